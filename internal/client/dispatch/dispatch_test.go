package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dbehnke/sfsclient/internal/client/frame"
)

func pkt(command string) frame.Packet {
	return frame.Packet{Dialect: frame.Extension, Command: command}
}

func TestSubscriberFairnessAllRunExactlyOnce(t *testing.T) {
	d := New()
	var mu sync.Mutex
	var calls []int
	for i := 0; i < 5; i++ {
		i := i
		d.Subscribe("gam", func(frame.Packet) {
			mu.Lock()
			calls = append(calls, i)
			mu.Unlock()
		})
	}
	d.Dispatch(pkt("gam"))
	if len(calls) != 5 {
		t.Fatalf("expected 5 calls, got %d", len(calls))
	}
	for i := 0; i < 5; i++ {
		if calls[i] != i {
			t.Fatalf("expected registration order, got %v", calls)
		}
	}
}

func TestWaiterFirstMatchWins(t *testing.T) {
	d := New()
	results := make(chan string, 2)

	go func() {
		p, err := d.WaitFor(context.Background(), "gam", func(p frame.Packet) bool { return false }, time.Second)
		if err == nil {
			results <- "first:" + p.Command
		}
	}()
	time.Sleep(10 * time.Millisecond)

	go func() {
		p, err := d.WaitFor(context.Background(), "gam", func(p frame.Packet) bool { return true }, time.Second)
		if err == nil {
			results <- "second:" + p.Command
		}
	}()
	time.Sleep(10 * time.Millisecond)

	d.Dispatch(pkt("gam"))

	select {
	case got := <-results:
		if got != "second:gam" {
			t.Fatalf("expected second waiter (true predicate) to resolve, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for resolution")
	}

	select {
	case got := <-results:
		t.Fatalf("first waiter should remain pending, but got %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribersRunBeforeWaiterResolves(t *testing.T) {
	d := New()
	var stateMutated bool
	var mu sync.Mutex

	d.Subscribe("gam", func(frame.Packet) {
		mu.Lock()
		stateMutated = true
		mu.Unlock()
	})

	done := make(chan bool, 1)
	go func() {
		_, err := d.WaitFor(context.Background(), "gam", nil, time.Second)
		if err != nil {
			done <- false
			return
		}
		mu.Lock()
		defer mu.Unlock()
		done <- stateMutated
	}()
	time.Sleep(10 * time.Millisecond)

	d.Dispatch(pkt("gam"))

	select {
	case visible := <-done:
		if !visible {
			t.Fatalf("subscriber mutation was not visible when waiter resolved")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out")
	}
}

func TestWaitForZeroTimeoutFailsImmediately(t *testing.T) {
	d := New()
	_, err := d.WaitFor(context.Background(), "gam", nil, 0)
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestWaitForRegisteredBeforeSendNeverMissesSameTickResponse(t *testing.T) {
	d := New()
	waitStarted := make(chan struct{})
	resultCh := make(chan error, 1)

	go func() {
		close(waitStarted)
		_, err := d.WaitFor(context.Background(), "apiOK", nil, time.Second)
		resultCh <- err
	}()
	<-waitStarted
	time.Sleep(5 * time.Millisecond) // ensure WaitFor has registered before send

	d.Dispatch(pkt("apiOK"))

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("expected resolution, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out")
	}
}

func TestDisconnectFailsAllOutstandingWaiters(t *testing.T) {
	d := New()
	errCh := make(chan error, 1)
	go func() {
		_, err := d.WaitFor(context.Background(), "gam", nil, time.Second)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	d.SetConnected(false)

	select {
	case err := <-errCh:
		if _, ok := err.(*DisconnectedError); !ok {
			t.Fatalf("expected DisconnectedError, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out")
	}
}

func TestWaitForWhileDisconnectedFailsImmediately(t *testing.T) {
	d := New()
	d.SetConnected(false)
	_, err := d.WaitFor(context.Background(), "gam", nil, time.Second)
	if _, ok := err.(*DisconnectedError); !ok {
		t.Fatalf("expected immediate DisconnectedError, got %v", err)
	}
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	d := New()
	calls := 0
	sub := d.Subscribe("gam", func(frame.Packet) { calls++ })
	d.Dispatch(pkt("gam"))
	d.Unsubscribe(sub)
	d.Dispatch(pkt("gam"))
	if calls != 1 {
		t.Fatalf("expected 1 call after unsubscribe, got %d", calls)
	}
}

func TestHandlerPanicDoesNotAffectOtherHandlers(t *testing.T) {
	d := New()
	var secondRan bool
	d.Subscribe("gam", func(frame.Packet) { panic("boom") })
	d.Subscribe("gam", func(frame.Packet) { secondRan = true })
	d.Dispatch(pkt("gam"))
	if !secondRan {
		t.Fatalf("second handler should still run after first panics")
	}
}
