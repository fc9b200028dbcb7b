package main

import (
	"fmt"
	"sync"
	"time"
)

// heartbeat prints a progress line on a fixed interval while a turn runs.
type heartbeat struct {
	// emit writes one progress line.
	emit func(line string) error
	// interval controls how often progress is reported.
	interval time.Duration
	// startedAt anchors the elapsed time in each line.
	startedAt time.Time
	// stopOnce ensures the stop signal is only closed once.
	stopOnce sync.Once
	// stopCh signals the goroutine to stop.
	stopCh chan struct{}
	// doneCh reports when the goroutine has exited.
	doneCh chan struct{}
	// errMu guards err.
	errMu sync.Mutex
	// err stores the first emit error.
	err error
}

// startHeartbeat begins emitting progress lines until Stop is called.
func startHeartbeat(emit func(line string) error, interval time.Duration) *heartbeat {
	// No emitter or interval means heartbeats are disabled.
	if emit == nil || interval <= 0 {
		return nil
	}

	beat := &heartbeat{
		emit:      emit,
		interval:  interval,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go beat.loop()
	return beat
}

func (h *heartbeat) loop() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(h.startedAt).Round(time.Second)
			if err := h.emit(fmt.Sprintf("[waiting %s]", elapsed)); err != nil {
				// Exit without calling Stop to avoid self-deadlock.
				h.setErr(err)
				return
			}
		case <-h.stopCh:
			return
		}
	}
}

// Stop stops the heartbeat and returns the first emit error, if any.
func (h *heartbeat) Stop() error {
	if h == nil {
		return nil
	}

	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	<-h.doneCh

	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

func (h *heartbeat) setErr(err error) {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	if h.err == nil {
		h.err = err
	}
}
