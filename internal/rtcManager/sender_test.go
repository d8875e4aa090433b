package rtcManager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		attempt int
		initial time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{0, time.Second, 30 * time.Second, time.Second},
		{1, time.Second, 30 * time.Second, 2 * time.Second},
		{2, time.Second, 30 * time.Second, 4 * time.Second},
		{4, time.Second, 30 * time.Second, 16 * time.Second},
		{5, time.Second, 30 * time.Second, 30 * time.Second},
		{60, time.Second, 30 * time.Second, 30 * time.Second},
		{3, time.Second, 10 * time.Second, 8 * time.Second},
		{4, time.Second, 10 * time.Second, 10 * time.Second},
		{0, 5 * time.Second, 2 * time.Second, 2 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backoffDelay(tc.attempt, tc.initial, tc.max),
			"attempt %d initial %s max %s", tc.attempt, tc.initial, tc.max)
	}
}

func TestBackoffDelay_NonDecreasing(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := backoffDelay(attempt, 750*time.Millisecond, 45*time.Second)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 45*time.Second)
		prev = d
	}
}
