package async

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewRetryPolicyDefaults(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{})
	assert.Equal(t, DefaultRetryConfig(), p.Config())

	p = NewRetryPolicy(RetryConfig{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 0.5})
	assert.Equal(t, 2.0, p.Config().BackoffMultiplier)
	assert.Equal(t, 3, p.Config().MaxAttempts)
}

func TestShouldRetry(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 3})
	boom := errors.New("boom")

	tests := []struct {
		name     string
		attempts int
		err      error
		want     bool
	}{
		{"no error", 1, nil, false},
		{"first failure", 1, boom, true},
		{"below max", 2, boom, true},
		{"at max", 3, boom, false},
		{"above max", 4, boom, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ShouldRetry(tt.attempts, tt.err))
		})
	}
}

func TestNextRetryDelay(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{
		MaxAttempts:       10,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
	})

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.NextRetryDelay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestNextRetryTime(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{InitialDelay: time.Minute, BackoffMultiplier: 3, MaxDelay: time.Hour})
	last := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, last.Add(3*time.Minute), p.NextRetryTime(last, 2))
}
