package dispatch

import (
	"time"

	"go.uber.org/zap"
)

// Reaper is the background task behind the optional acknowledgement
// timeout: commands stuck in the sent state longer than the timeout are
// auto-failed. It runs on its own ticker and never blocks dispatch of
// unrelated commands. Disabled entirely when the timeout is zero.
type Reaper struct {
	dispatcher *Dispatcher
	timeout    time.Duration
	interval   time.Duration
	logger     *zap.Logger
	stopChan   chan struct{}
}

// NewReaper creates a reaper sweeping at a quarter of the timeout, at
// least once per second.
func NewReaper(dispatcher *Dispatcher, timeout time.Duration, logger *zap.Logger) *Reaper {
	interval := timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	return &Reaper{
		dispatcher: dispatcher,
		timeout:    timeout,
		interval:   interval,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}
}

// Start begins the background sweep. No-op when the timeout is zero.
func (r *Reaper) Start() {
	if r.timeout <= 0 {
		return
	}
	go r.sweepLoop()
	r.logger.Info("command ack reaper started", zap.Duration("timeout", r.timeout))
}

// Stop ends the background sweep.
func (r *Reaper) Stop() {
	close(r.stopChan)
}

func (r *Reaper) sweepLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			if failed := r.dispatcher.FailStale(r.timeout); len(failed) > 0 {
				r.logger.Info("reaped unacknowledged commands", zap.Int("count", len(failed)))
			}
		}
	}
}
