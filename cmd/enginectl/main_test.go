package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/khryptorgraphics/workengine/pkg/scheduler"
)

func TestStrategyForKnownNames(t *testing.T) {
	assert.IsType(t, &scheduler.Direct{}, strategyFor("direct"))
	assert.IsType(t, &scheduler.SpinningDirect{}, strategyFor("spinning-direct"))
	assert.IsType(t, &scheduler.RoundRobin{}, strategyFor("round-robin"))
	assert.IsType(t, &scheduler.Random{}, strategyFor("random"))
	assert.IsType(t, &scheduler.AdaptiveRanking{}, strategyFor("unknown-name"))
}
