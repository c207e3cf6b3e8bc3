package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelayMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.Duration(0), BackoffDelay(0))
	require.Equal(t, 2*time.Second, BackoffDelay(1))
	require.Equal(t, 4*time.Second, BackoffDelay(2))
	require.Equal(t, 32*time.Second, BackoffDelay(5))

	prev := time.Duration(0)
	for attempts := 0; attempts < 64; attempts++ {
		d := BackoffDelay(attempts)
		assert.GreaterOrEqual(t, d, prev, "attempts=%d", attempts)
		assert.LessOrEqual(t, d, 60*time.Second, "attempts=%d", attempts)
		prev = d
	}
}

func TestInBackoff(t *testing.T) {
	t.Parallel()

	now := time.Now()
	fresh := &Job{Attempts: 0}
	assert.False(t, fresh.InBackoff(now), "never-attempted job is not in backoff")

	attempted := now.Add(-1 * time.Second)
	j := &Job{Attempts: 2, LastAttemptAt: &attempted}
	assert.True(t, j.InBackoff(now), "1s elapsed < 4s window")

	old := now.Add(-5 * time.Second)
	j.LastAttemptAt = &old
	assert.False(t, j.InBackoff(now), "5s elapsed > 4s window")
}

func TestExhausted(t *testing.T) {
	t.Parallel()

	assert.False(t, (&Job{Attempts: MaxRetries - 1}).Exhausted())
	assert.True(t, (&Job{Attempts: MaxRetries}).Exhausted())
	assert.True(t, (&Job{Attempts: MaxRetries + 3}).Exhausted())
}

func TestClientWorkID(t *testing.T) {
	t.Parallel()

	assert.Empty(t, (&Job{}).ClientWorkID())
	j := &Job{Meta: map[string]string{MetaClientWorkID: "cw-1"}}
	assert.Equal(t, "cw-1", j.ClientWorkID())
}

func TestDeriveStep(t *testing.T) {
	t.Parallel()

	action := int64(42)
	cases := []struct {
		name   string
		draft  WorkDraft
		images int
		want   DraftStep
	}{
		{"empty draft", WorkDraft{}, 0, StepIntro},
		{"garden only", WorkDraft{GardenAddress: "0xGarden"}, 0, StepIntro},
		{"action only", WorkDraft{ActionUID: &action}, 0, StepIntro},
		{"no images", WorkDraft{GardenAddress: "0xGarden", ActionUID: &action}, 0, StepMedia},
		{"no feedback", WorkDraft{GardenAddress: "0xGarden", ActionUID: &action}, 1, StepDetails},
		{"complete", WorkDraft{GardenAddress: "0xGarden", ActionUID: &action, Feedback: "looks healthy"}, 1, StepReview},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveStep(&tc.draft, tc.images))
		})
	}
}
