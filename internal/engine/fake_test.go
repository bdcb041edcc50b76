package engine

import (
	"context"
	"io"
	"sync"

	"nhutbot/internal/service/ai"
)

type step struct {
	frag ai.Fragment
	err  error
}

func text(s string) step { return step{frag: ai.Fragment{Text: s}} }

// script drives one fake stream. A non-nil gate holds the first Recv until
// closed; hang blocks after the last step until the context ends.
type script struct {
	steps   []step
	gate    chan struct{}
	hang    bool
	openErr error
}

type fakeGenerator struct {
	mu       sync.Mutex
	scripts  []script
	requests []ai.Request
}

func (g *fakeGenerator) push(s script) {
	g.mu.Lock()
	g.scripts = append(g.scripts, s)
	g.mu.Unlock()
}

func (g *fakeGenerator) lastRequest() ai.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

func (g *fakeGenerator) Open(ctx context.Context, req ai.Request) (ai.Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	var s script
	if len(g.scripts) > 0 {
		s = g.scripts[0]
		g.scripts = g.scripts[1:]
	}
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &fakeStream{ctx: ctx, script: s}, nil
}

type fakeStream struct {
	ctx    context.Context
	script script
	next   int
	closed bool
}

func (s *fakeStream) Recv() (ai.Fragment, error) {
	if gate := s.script.gate; gate != nil {
		s.script.gate = nil
		select {
		case <-gate:
		case <-s.ctx.Done():
			return ai.Fragment{}, s.ctx.Err()
		}
	}
	if s.next < len(s.script.steps) {
		st := s.script.steps[s.next]
		s.next++
		return st.frag, st.err
	}
	if s.script.hang {
		<-s.ctx.Done()
		return ai.Fragment{}, s.ctx.Err()
	}
	return ai.Fragment{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}
