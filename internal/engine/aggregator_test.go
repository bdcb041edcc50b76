package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nhutbot/internal/models"
	"nhutbot/internal/service/ai"
)

func runAggregate(t *testing.T, s script, searching bool, idle time.Duration) ([]progress, progress, error) {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	stream := &fakeStream{ctx: ctx, script: s}
	var updates []progress
	final, err := aggregate(ctx, cancel, stream, searching, idle, func(p progress) {
		updates = append(updates, p)
	})
	assert.True(t, stream.closed, "stream must be closed")
	return updates, final, err
}

func TestAggregateAccumulatesText(t *testing.T) {
	updates, final, err := runAggregate(t, script{steps: []step{text("Hi"), text(""), text(" there")}}, false, 0)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", final.Content)
	require.Len(t, updates, 2, "empty fragments are not reported")
	assert.Equal(t, "Hi", updates[0].Content)
	assert.Equal(t, "Hi there", updates[1].Content)
}

func TestAggregateDeduplicatesCitations(t *testing.T) {
	cite := func(uri, title string) step {
		return step{frag: ai.Fragment{Citations: []models.Citation{{URI: uri, Title: title}}}}
	}
	updates, final, err := runAggregate(t, script{steps: []step{
		cite("a", "A"),
		cite("b", "B"),
		cite("a", "A2"),
		cite("c", ""),
	}}, true, 0)
	require.NoError(t, err)
	assert.Equal(t, []models.Citation{
		{URI: "a", Title: "A"},
		{URI: "b", Title: "B"},
		{URI: "c", Title: "c"},
	}, final.Citations)
	require.Len(t, updates, 3)
	assert.Len(t, updates[1].Citations, 2, "every update carries the full merged list")
}

func TestAggregateSearchingClearsOnFirstText(t *testing.T) {
	updates, final, err := runAggregate(t, script{steps: []step{
		{frag: ai.Fragment{Citations: []models.Citation{{URI: "a", Title: "A"}}}},
		text("answer"),
		{frag: ai.Fragment{Citations: []models.Citation{{URI: "b", Title: "B"}}}},
	}}, true, 0)
	require.NoError(t, err)
	require.Len(t, updates, 3)
	assert.True(t, updates[0].Searching)
	assert.False(t, updates[1].Searching)
	assert.False(t, updates[2].Searching, "late citations do not restore searching")
	assert.False(t, final.Searching)
}

func TestAggregateErrorDropsPartialText(t *testing.T) {
	boom := errors.New("boom")
	_, final, err := runAggregate(t, script{steps: []step{text("Partial"), {err: boom}}}, false, 0)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, final.Content)
}

func TestAggregateIdleTimeout(t *testing.T) {
	_, _, err := runAggregate(t, script{steps: []step{text("slow")}, hang: true}, false, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrStreamTimeout)
}
