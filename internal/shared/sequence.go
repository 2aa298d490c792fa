package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sequencer hands out document numbers. Counters are scoped per document
// type and period so every month restarts at 1.
type Sequencer struct {
	client *redis.Client
}

// NewSequencer constructs a Sequencer backed by Redis.
func NewSequencer(client *redis.Client) *Sequencer {
	return &Sequencer{client: client}
}

// Next atomically increments and returns the counter for scope+period.
func (s *Sequencer) Next(ctx context.Context, scope, period string) (int64, error) {
	if s == nil || s.client == nil {
		return 0, errors.New("shared: sequencer not initialised")
	}
	if scope == "" || period == "" {
		return 0, errors.New("shared: sequence scope and period required")
	}
	key := fmt.Sprintf("seq:%s:%s", scope, period)
	return s.client.Incr(ctx, key).Result()
}

// NextNumber formats a human readable document number, e.g. TRF-202608-0042.
func (s *Sequencer) NextNumber(ctx context.Context, prefix string, at time.Time) (string, error) {
	period := at.UTC().Format("200601")
	n, err := s.Next(ctx, prefix, period)
	if err != nil {
		return "", err
	}
	return FormatNumber(prefix, period, n), nil
}

// FormatNumber renders prefix + period + zero padded counter.
func FormatNumber(prefix, period string, n int64) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, period, n)
}
