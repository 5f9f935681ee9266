package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStates(t *testing.T) {
	assert.False(t, Pending.IsTerminal())
	assert.False(t, InProgress.IsTerminal())
	assert.True(t, Succeeded.IsTerminal())
	assert.True(t, Failed.IsTerminal())
	assert.True(t, Cancelled.IsTerminal())
	assert.True(t, TimedOut.IsTerminal())
}

func TestTransitions(t *testing.T) {
	assert.True(t, Pending.CanTransition(InProgress))
	assert.True(t, Pending.CanTransition(Cancelled))
	assert.False(t, Pending.CanTransition(Succeeded))

	assert.True(t, InProgress.CanTransition(Pending))
	assert.True(t, InProgress.CanTransition(Succeeded))
	assert.True(t, InProgress.CanTransition(TimedOut))

	for _, terminal := range []State{Succeeded, Failed, Cancelled, TimedOut} {
		for _, target := range allStates {
			assert.False(t, terminal.CanTransition(target), "%s -> %s", terminal, target)
		}
	}
}

func TestParseState(t *testing.T) {
	state, ok := ParseState("IN_PROGRESS")
	assert.True(t, ok)
	assert.Equal(t, InProgress, state)

	_, ok = ParseState("RUNNING")
	assert.False(t, ok)
}

func TestNewJobIdsAreUniqueAndOrdered(t *testing.T) {
	seen := map[string]bool{}
	var prev string
	for i := 0; i < 1000; i++ {
		id := NewJobId()
		assert.False(t, seen[id])
		seen[id] = true
		assert.True(t, id > prev)
		prev = id
	}
}
