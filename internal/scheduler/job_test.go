package scheduler

import (
	"testing"

	"dr-orchestrator/internal/artifact"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []JobState
		wantErr bool
	}{
		{"happy path", []JobState{JobRunning, JobVerifying, JobCompleted}, false},
		{"retry loop", []JobState{JobRunning, JobVerifying, JobRunning, JobVerifying, JobCompleted}, false},
		{"skip before start", []JobState{JobSkipped}, false},
		{"failure while running", []JobState{JobRunning, JobFailed}, false},
		{"cannot verify before running", []JobState{JobVerifying}, true},
		{"cannot complete from pending", []JobState{JobCompleted}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob("orders-db", artifact.KindFull)
			var err error
			for _, state := range tt.path {
				if err = job.Transition(state); err != nil {
					break
				}
			}
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.path[len(tt.path)-1], job.State)
			}
		})
	}
}

func TestJobTerminalStatesAreImmutable(t *testing.T) {
	for _, terminal := range []JobState{JobCompleted, JobFailed, JobSkipped} {
		t.Run(string(terminal), func(t *testing.T) {
			job := NewJob("orders-db", artifact.KindFull)
			switch terminal {
			case JobCompleted:
				require.NoError(t, job.Transition(JobRunning))
				require.NoError(t, job.Transition(JobVerifying))
			case JobFailed:
				require.NoError(t, job.Transition(JobRunning))
			}
			require.NoError(t, job.Transition(terminal))
			assert.True(t, job.State.IsTerminal())
			assert.False(t, job.CompletedAt.IsZero())

			err := job.Transition(JobRunning)
			assert.Error(t, err)
			assert.Equal(t, terminal, job.State)
		})
	}
}

func TestJobDuration(t *testing.T) {
	job := NewJob("orders-db", artifact.KindFull)
	assert.Zero(t, job.Duration())

	require.NoError(t, job.Transition(JobRunning))
	require.NoError(t, job.Transition(JobVerifying))
	require.NoError(t, job.Transition(JobCompleted))
	assert.True(t, job.Duration() >= 0)
}
