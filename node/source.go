package node

import (
	"context"
	"fmt"
	"time"
)

// EmitFunc hands one raw device reading to the producer. Implementations of
// Source must emit from a single goroutine: the counter converter is only
// reachable through it and keeps per-device state.
type EmitFunc func(device string, raw uint64, payload []byte)

// Source is a sensor handler: it acquires device readings for as long as its
// context lives and reports them through emit.
type Source interface {
	Run(ctx context.Context, emit EmitFunc) error
}

// SyntheticSource simulates a multi-device sensor with a wrapping hardware
// clock, for smoke tests and dry runs without hardware attached.
type SyntheticSource struct {
	Devices []string
	// Count of samples per device; zero means "until cancelled".
	Count      int
	Interval   time.Duration
	Period     float64
	ClockWidth uint
}

func (s *SyntheticSource) Run(ctx context.Context, emit EmitFunc) error {
	limit := uint64(1) << s.ClockWidth
	interval := s.Interval
	if interval == 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; s.Count == 0 || i < s.Count; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		raw := uint64(float64(i)*s.Period) % limit
		for _, device := range s.Devices {
			emit(device, raw, []byte(fmt.Sprintf("%s:%d", device, i)))
		}
	}
	return nil
}
