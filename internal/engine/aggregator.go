package engine

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"nhutbot/internal/models"
	"nhutbot/internal/service/ai"
)

// progress is the aggregated view after one fragment.
type progress struct {
	Content   string
	Citations []models.Citation
	Searching bool
}

// aggregator folds one stream into a single answer.
type aggregator struct {
	text      strings.Builder
	citations []models.Citation
	seen      map[string]struct{}
	searching bool
}

func newAggregator(searching bool) *aggregator {
	return &aggregator{seen: make(map[string]struct{}), searching: searching}
}

// add merges frag and reports whether anything observable changed.
func (a *aggregator) add(frag ai.Fragment) bool {
	changed := false
	if frag.Text != "" {
		a.text.WriteString(frag.Text)
		a.searching = false
		changed = true
	}
	for _, c := range frag.Citations {
		if c.URI == "" {
			continue
		}
		if _, dup := a.seen[c.URI]; dup {
			continue
		}
		a.seen[c.URI] = struct{}{}
		if c.Title == "" {
			c.Title = c.URI
		}
		a.citations = append(a.citations, c)
		changed = true
	}
	return changed
}

func (a *aggregator) snapshot() progress {
	p := progress{Content: a.text.String(), Searching: a.searching}
	if len(a.citations) > 0 {
		p.Citations = append([]models.Citation(nil), a.citations...)
	}
	return p
}

// aggregate drains stream until EOF. Each observable change is passed to
// onUpdate. If no fragment arrives within idle the turn context is cancelled
// with ErrStreamTimeout. On any error the partial answer is dropped.
func aggregate(ctx context.Context, cancel context.CancelCauseFunc, stream ai.Stream, searching bool, idle time.Duration, onUpdate func(progress)) (progress, error) {
	defer stream.Close()

	agg := newAggregator(searching)
	var timer *time.Timer
	if idle > 0 {
		timer = time.AfterFunc(idle, func() { cancel(ErrStreamTimeout) })
		defer timer.Stop()
	}

	for {
		frag, err := stream.Recv()
		if err == io.EOF {
			return agg.snapshot(), nil
		}
		if err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return progress{}, cause
			}
			return progress{}, errors.Wrap(err, "receive fragment")
		}
		if cause := context.Cause(ctx); cause != nil {
			return progress{}, cause
		}
		if timer != nil {
			timer.Reset(idle)
		}
		if agg.add(frag) && onUpdate != nil {
			onUpdate(agg.snapshot())
		}
	}
}
