package engine

import "github.com/pkg/errors"

var (
	// ErrTurnInFlight rejects operations while a turn is awaiting its response.
	ErrTurnInFlight = errors.New("a turn is already awaiting a response")
	// ErrStreamTimeout fails a turn whose stream stayed silent too long.
	ErrStreamTimeout = errors.New("generation stream idle timeout")
	// ErrTurnCancelled fails a turn aborted through Cancel.
	ErrTurnCancelled = errors.New("turn cancelled")
	// ErrNoActiveSession is returned before Start or after the store lost every session.
	ErrNoActiveSession = errors.New("no active session")
)
