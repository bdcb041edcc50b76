package redis

import (
	"context"

	"github.com/pkg/errors"

	"nhutbot/internal/storage"
)

const keyPrefix = "nhutbot:"

// Store implements storage.KV on top of redis strings. Values never expire.
type Store struct {
	client *Client
}

func NewStore(client *Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, found, err := s.client.load(ctx, keyPrefix+key)
	if err != nil {
		return nil, errors.Wrapf(err, "redis get %s", key)
	}
	if !found {
		return nil, storage.ErrNotFound
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.store(ctx, keyPrefix+key, value); err != nil {
		return errors.Wrapf(err, "redis set %s", key)
	}
	return nil
}
