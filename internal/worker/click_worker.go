// Package worker runs the asynchronous click recording pool. Visitor
// redirects never wait on the database: handlers enqueue events here
// and the pool persists them in the background.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Sreyas62/AffiHub/internal/model"
	"github.com/Sreyas62/AffiHub/internal/tracking"
	"github.com/Sreyas62/AffiHub/prometheus"
)

// insertTimeout bounds each click insert so a slow store cannot pile
// up workers forever.
const insertTimeout = 5 * time.Second

// ClickPool is a buffered channel drained by a fixed set of worker
// goroutines.
type ClickPool struct {
	events chan model.ClickEvent
	svc    *tracking.Service
	log    *zap.Logger
	wg     sync.WaitGroup
}

// StartClickPool launches workerCount goroutines draining a buffer of
// bufferSize events.
func StartClickPool(workerCount, bufferSize int, svc *tracking.Service, log *zap.Logger) *ClickPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if bufferSize < 1 {
		bufferSize = 1
	}

	p := &ClickPool{
		events: make(chan model.ClickEvent, bufferSize),
		svc:    svc,
		log:    log,
	}

	p.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go p.run()
	}

	log.Info("Click worker pool started",
		zap.Int("workers", workerCount),
		zap.Int("buffer_size", bufferSize))
	return p
}

// Enqueue offers an event to the pool without blocking. A full buffer
// drops the event; click recording is fire-and-forget by contract.
func (p *ClickPool) Enqueue(ev model.ClickEvent) bool {
	select {
	case p.events <- ev:
		return true
	default:
		prometheus.IncClicksDropped()
		p.log.Warn("Click event dropped, buffer full",
			zap.Uint("link_id", ev.LinkID))
		return false
	}
}

// Stop closes the queue and waits for in-flight events to drain.
func (p *ClickPool) Stop() {
	close(p.events)
	p.wg.Wait()
	p.log.Info("Click worker pool stopped")
}

func (p *ClickPool) run() {
	defer p.wg.Done()

	for ev := range p.events {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		err := p.svc.RecordClick(ctx, ev)
		cancel()

		if err != nil {
			// The visitor was already redirected; log and move on.
			prometheus.IncClicksDropped()
			p.log.Error("Failed to record click",
				zap.Uint("link_id", ev.LinkID),
				zap.Error(err))
			continue
		}
		prometheus.IncClicksRecorded()
	}
}
