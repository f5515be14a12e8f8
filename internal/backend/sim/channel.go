package sim

import (
	"github.com/twinleaf/trendline/internal/monitor"
	"github.com/twinleaf/trendline/internal/plotdata"
)

// pushChannel is a listener of the simulated backend. Every field is guarded by the
// backend's mutex.
type pushChannel[T any] struct {
	out     chan T
	closed  bool
	release func()
	closeFn func()
}

// offer delivers v unless the listener still has an undelivered value
func (c *pushChannel[T]) offer(v T) {
	if c.closed {
		return
	}
	select {
	case c.out <- v:
	default:
	}
}

func (c *pushChannel[T]) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.release()
	close(c.out)
}

func (c *pushChannel[T]) Close() error {
	c.closeFn()
	return nil
}

type frameChannel struct {
	pushChannel[plotdata.PlotData]
}

func (c *frameChannel) Frames() <-chan plotdata.PlotData {
	return c.out
}

type statisticsChannel struct {
	pushChannel[monitor.Statistics]
}

func (c *statisticsChannel) Updates() <-chan monitor.Statistics {
	return c.out
}
