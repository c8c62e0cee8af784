package client

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoffDelayGrowsAndCaps(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 200*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, 400*time.Millisecond, NextBackoffDelay(cfg, 3, nil))
	assert.Equal(t, time.Second, NextBackoffDelay(cfg, 10, nil))
}

func TestNextBackoffDelayJitterStaysInRange(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, Jitter: true}
	rng := rand.New(rand.NewSource(7))

	for attempt := 2; attempt < 8; attempt++ {
		base := NextBackoffDelay(BackoffConfig{InitialDelay: cfg.InitialDelay, Multiplier: 2, MaxDelay: time.Second}, attempt, nil)
		got := NextBackoffDelay(cfg, attempt, rng)
		assert.GreaterOrEqual(t, got, base/2)
		assert.Less(t, got, base*3/2)
	}
}

func TestNextBackoffDelayZeroInitial(t *testing.T) {
	assert.Equal(t, time.Duration(0), NextBackoffDelay(BackoffConfig{}, 3, nil))
}
