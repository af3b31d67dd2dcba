// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"context"
	"sync"
	"testing"
	"time"
)

type TQueue struct {
	mtx     sync.Mutex
	pending int
	blocked bool
}

func (q *TQueue) Pending() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.pending
}

func (q *TQueue) IsBlocked() bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.blocked
}

func (q *TQueue) set(pending int, blocked bool) {
	q.mtx.Lock()
	q.pending, q.blocked = pending, blocked
	q.mtx.Unlock()
}

func TestQueueWatchdog_New(t *testing.T) {
	wd := NewQueueWatchdog(&QueueWatchdogConfig{
		Logger:   logger,
		Queues:   map[string]Queue{"operlog": new(TQueue), "history": new(TQueue), "messages": new(TQueue)},
		Interval: time.Second,
	})
	want := []string{"history", "messages", "operlog"}
	if len(wd.names) != len(want) {
		t.Fatalf("expected %d queue names, got %d", len(want), len(wd.names))
	}
	for i, name := range want {
		if wd.names[i] != name {
			t.Fatalf("queue %d is %s, expected %s", i, wd.names[i], name)
		}
	}
}

func TestQueueWatchdog_Run(t *testing.T) {
	history, messages := new(TQueue), new(TQueue)
	ntfnChan := make(chan *QueueNotification, 16)
	wd := NewQueueWatchdog(&QueueWatchdogConfig{
		Logger:     logger,
		Queues:     map[string]Queue{"history": history, "messages": messages},
		Interval:   5 * time.Millisecond,
		StallAfter: 10 * time.Millisecond,
		NtfnChan:   ntfnChan,
	})
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		wd.Run(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	next := func() *QueueNotification {
		t.Helper()
		select {
		case ntfn := <-ntfnChan:
			return ntfn
		case <-time.After(5 * time.Second):
			t.Fatalf("no notification")
		}
		return nil
	}

	history.set(1000, true)
	ntfn := next()
	if ntfn.Name != "history" || !ntfn.Blocked || ntfn.Pending != 1000 {
		t.Fatalf("wrong notification %+v", ntfn)
	}
	// Staying blocked past the stall time does not notify again.
	time.Sleep(30 * time.Millisecond)
	select {
	case ntfn = <-ntfnChan:
		t.Fatalf("unexpected notification %+v", ntfn)
	default:
	}

	messages.set(2000, true)
	ntfn = next()
	if ntfn.Name != "messages" || !ntfn.Blocked {
		t.Fatalf("wrong notification %+v", ntfn)
	}

	history.set(3, false)
	ntfn = next()
	if ntfn.Name != "history" || ntfn.Blocked || ntfn.Pending != 3 {
		t.Fatalf("wrong notification %+v", ntfn)
	}
	messages.set(0, false)
	ntfn = next()
	if ntfn.Name != "messages" || ntfn.Blocked {
		t.Fatalf("wrong notification %+v", ntfn)
	}
}
