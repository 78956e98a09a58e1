// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package metrics

import (
	"context"
	"time"

	"github.com/toeirei/keysync/internal/logging"
	"github.com/toeirei/keysync/internal/model"
)

// QueueCounter is the store query the collector polls.
type QueueCounter interface {
	CountQueueEntries(ctx context.Context, status model.QueueStatus) (int, error)
}

// Collector periodically refreshes gauges from database state.
type Collector struct {
	store    QueueCounter
	interval time.Duration
	stopCh   chan struct{}
}

func NewCollector(store QueueCounter, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start collects once immediately and then on every tick until ctx is
// done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect updates the queue depth gauge.
func (c *Collector) Collect(ctx context.Context) {
	n, err := c.store.CountQueueEntries(ctx, model.QueueQueued)
	if err != nil {
		logging.Warnf("metrics: failed to count queued entries: %v", err)
		return
	}
	QueuedEntries.Set(float64(n))
}
