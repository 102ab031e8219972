package v1alpha1

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageStateTransitions(t *testing.T) {
	tests := []struct {
		from, to StageState
		want     bool
	}{
		{StageScheduled, StageBuilding, true},
		{StageScheduled, StageCancelled, true},
		{StageScheduled, StagePassed, false},
		{StageBuilding, StagePassed, true},
		{StageBuilding, StageFailed, true},
		{StageBuilding, StageCancelled, true},
		{StageBuilding, StageScheduled, false},
		{StagePassed, StageCancelled, false},
		{StageCancelled, StageScheduled, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestParseStageState(t *testing.T) {
	state, ok := ParseStageState("passed")
	assert.True(t, ok)
	assert.Equal(t, StagePassed, state)

	_, ok = ParseStageState("Unknown")
	assert.False(t, ok)
}

func TestPipelineRunStageIndex(t *testing.T) {
	plr := &PipelineRun{Stages: []string{"build", "unit-tests", "deploy"}}
	assert.Equal(t, 1, plr.StageIndex("unit-tests"))
	assert.False(t, plr.HasStage("lint"))

	cp := plr.DeepCopy()
	cp.Stages[0] = "changed"
	assert.Equal(t, "build", plr.Stages[0])
}
