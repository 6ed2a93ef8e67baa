package telemetry

import (
	"context"
	"errors"

	"github.com/nhirsama/Goster-ThermoRelay/src/inter"
	"github.com/samber/oops"
)

// FanOut 依次写入所有下游，任一失败不影响其余下游
type FanOut struct {
	sinks []inter.TelemetrySink
}

// NewFanOut 忽略 nil 下游
func NewFanOut(sinks ...inter.TelemetrySink) *FanOut {
	f := &FanOut{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *FanOut) Len() int { return len(f.sinks) }

func (f *FanOut) InsertReading(ctx context.Context, r inter.Reading) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.InsertReading(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	joined := errors.Join(errs...)
	if errors.Is(joined, inter.ErrPersistence) {
		return joined
	}
	return oops.Wrapf(inter.ErrPersistence, "%v", joined)
}
