// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"context"
	"sort"
	"time"

	"github.com/openexch/matchengine/dex"
)

// Queue is a write queue of the engine's output: the operation log, the
// history archiver or the message bus.
type Queue interface {
	Pending() int
	IsBlocked() bool
}

// QueueNotification reports a change of a queue's state.
type QueueNotification struct {
	Name    string
	Blocked bool
	Pending int
}

// QueueWatchdog polls the output queues. While a queue is blocked the engine
// refuses mutating commands, so the watchdog logs when a queue blocks and
// unblocks, and keeps complaining while it stays blocked.
type QueueWatchdog struct {
	logger     dex.Logger
	queues     map[string]Queue
	names      []string
	interval   time.Duration
	stallAfter time.Duration
	ntfnChan   chan<- *QueueNotification
}

// QueueWatchdogConfig is the configuration of a QueueWatchdog.
type QueueWatchdogConfig struct {
	Logger dex.Logger
	Queues map[string]Queue
	// Interval is the polling period.
	Interval time.Duration
	// StallAfter is how long a queue may stay blocked before each poll logs
	// an error.
	StallAfter time.Duration
	// NtfnChan, if set, receives every state change.
	NtfnChan chan<- *QueueNotification
}

// NewQueueWatchdog initializes a new QueueWatchdog.
func NewQueueWatchdog(cfg *QueueWatchdogConfig) *QueueWatchdog {
	names := make([]string, 0, len(cfg.Queues))
	for name := range cfg.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return &QueueWatchdog{
		logger:     cfg.Logger,
		queues:     cfg.Queues,
		names:      names,
		interval:   cfg.Interval,
		stallAfter: cfg.StallAfter,
		ntfnChan:   cfg.NtfnChan,
	}
}

// Run satisfies dex.Runner.
func (wd *QueueWatchdog) Run(ctx context.Context) {
	log := wd.logger
	log.Tracef("Starting queue watchdog for %v", wd.names)

	ticker := time.NewTicker(wd.interval)
	defer ticker.Stop()

	// blockedSince is zero for a queue that is flowing.
	blockedSince := make(map[string]time.Time, len(wd.queues))
	notify := func(ntfn *QueueNotification) {
		if wd.ntfnChan == nil {
			return
		}
		select {
		case wd.ntfnChan <- ntfn:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, name := range wd.names {
				q := wd.queues[name]
				blocked, pending := q.IsBlocked(), q.Pending()
				since := blockedSince[name]
				switch {
				case blocked && since.IsZero():
					blockedSince[name] = now
					log.Warnf("The %s queue is blocked with %d pending writes, mutations are refused", name, pending)
					notify(&QueueNotification{name, true, pending})
				case blocked && wd.stallAfter > 0 && now.Sub(since) >= wd.stallAfter:
					log.Errorf("The %s queue has been blocked for %v with %d pending writes",
						name, now.Sub(since).Round(time.Second), pending)
				case !blocked && !since.IsZero():
					delete(blockedSince, name)
					log.Infof("The %s queue is flowing again after %v, %d pending writes",
						name, now.Sub(since).Round(time.Millisecond), pending)
					notify(&QueueNotification{name, false, pending})
				}
			}
		case <-ctx.Done():
			log.Tracef("Exiting queue watchdog")
			return
		}
	}
}
