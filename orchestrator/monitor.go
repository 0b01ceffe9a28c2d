package orchestrator

import (
	"context"
	"time"

	"github.com/jonas747/dreshard"
)

// monitor periodically resends the notifications of running operations
type monitor struct {
	orchestrator *Orchestrator

	started  time.Time
	stopChan chan bool

	lastRenotify time.Time
}

func (mon *monitor) run() {
	mon.started = time.Now()

	interval := mon.orchestrator.RenotifyInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mon.tick()
		case <-mon.stopChan:
			return
		}
	}
}

func (mon *monitor) stop() {
	close(mon.stopChan)
}

func (mon *monitor) tick() {
	if !mon.orchestrator.Coordinators.IsPrimary() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-mon.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	mon.orchestrator.Coordinators.RenotifyAll(ctx)
	mon.lastRenotify = time.Now()
	mon.orchestrator.Log(dreshard.LogDebug, nil, "monitor: renotified running operations")
}
