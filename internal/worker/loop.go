// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// package worker runs the scheduling loops of keysync: the apply worker,
// the notification dispatcher and the maintenance sweeper. Each loop is a
// single consumer that ticks on a fixed interval until its context is done
// or Stop is called.
package worker // import "github.com/toeirei/keysync/internal/worker"

import (
	"context"
	"sync"
	"time"

	"github.com/toeirei/keysync/internal/logging"
)

// loop is the ticker/stop-channel scheduler shared by the workers.
type loop struct {
	name     string
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newLoop(name string, interval, def time.Duration) loop {
	if interval <= 0 {
		interval = def
	}
	return loop{name: name, interval: interval, stopCh: make(chan struct{})}
}

// run calls tick once immediately and then on every interval. Stop and
// ctx are only observed between ticks; a tick in flight runs to the end.
func (l *loop) run(ctx context.Context, tick func(context.Context)) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	logging.Infof("%s started (interval %s)", l.name, l.interval)
	defer logging.Infof("%s stopped", l.name)

	tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			select {
			case <-l.stopCh:
				return
			default:
			}
			tick(ctx)
		}
	}
}

func (l *loop) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
