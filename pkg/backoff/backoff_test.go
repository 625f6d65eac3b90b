package backoff_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/backoff"
)

func TestDelay(t *testing.T) {
	base := 2 * time.Second
	max := 30 * time.Second

	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{"first attempt", 1, 2 * time.Second},
		{"second attempt doubles", 2, 4 * time.Second},
		{"third attempt doubles again", 3, 8 * time.Second},
		{"growth is capped", 10, 30 * time.Second},
		{"zero attempt treated as first", 0, 2 * time.Second},
		{"negative attempt treated as first", -3, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, backoff.Delay(tt.attempt, base, max))
		})
	}
}

func TestDelayDefaults(t *testing.T) {
	assert.Equal(t, backoff.DefaultBaseDelay, backoff.Delay(1, 0, 0))
	assert.Equal(t, backoff.DefaultMaxDelay, backoff.Delay(100, 0, 0))
}

func TestJitterStaysInRange(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 100; i++ {
		j := backoff.Jitter(d)
		assert.GreaterOrEqual(t, j, d/2)
		assert.Less(t, j, d)
	}
}
