package cerver

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

var ErrInvalidInterval = errors.New("cerver: invalid update interval")

// UpdateFunc is called periodically while a Cerver is running. It runs on its own
// goroutine and must not call Shutdown or Teardown on c.
type UpdateFunc func(c *Cerver)

type updateLoop struct {
	fn    UpdateFunc
	every time.Duration
}

// SetUpdate calls fn fps times per second while the Cerver is running. A nil fn
// removes the update.
func (c *Cerver) SetUpdate(fn UpdateFunc, fps int) error {
	if fn != nil && fps <= 0 {
		return fmt.Errorf("%w: %d updates per second", ErrInvalidInterval, fps)
	}
	return c.configure(func() {
		c.update = nil
		if fn != nil {
			c.update = &updateLoop{fn: fn, every: time.Second / time.Duration(fps)}
		}
	})
}

// SetUpdateInterval calls fn every interval while the Cerver is running. A nil fn
// removes the update.
func (c *Cerver) SetUpdateInterval(fn UpdateFunc, interval time.Duration) error {
	if fn != nil && interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	return c.configure(func() {
		c.updateInterval = nil
		if fn != nil {
			c.updateInterval = &updateLoop{fn: fn, every: interval}
		}
	})
}

// runUpdates calls u.fn every u.every until ctx is done.
func (c *Cerver) runUpdates(ctx context.Context, u *updateLoop, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(u.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runUpdate(u.fn)
		}
	}
}

func (c *Cerver) runUpdate(fn UpdateFunc) {
	defer func() {
		if err := recover(); err != nil {
			c.logger.Errorf("[%s] update panicked: error=%v, trace: %s", c.name, err, debug.Stack())
		}
	}()
	fn(c)
}
