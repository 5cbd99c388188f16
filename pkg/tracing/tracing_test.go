package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProfilerStartZoneEndsWithoutPanic(t *testing.T) {
	p := NewProfiler("workengine-test")
	ctx, end := p.StartZone(context.Background(), "node-a", "pool-1")
	p.RecordEvent(ctx, "yielded", map[string]string{"reason": "cooperative"})
	assert.NotPanics(t, end)
}

func TestNoopProfilerDiscardsEverything(t *testing.T) {
	var p Profiler = NoopProfiler{}
	ctx, end := p.StartZone(context.Background(), "n", "p")
	p.RecordEvent(ctx, "e", nil)
	assert.NotPanics(t, end)
}
