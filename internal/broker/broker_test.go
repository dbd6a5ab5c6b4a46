package broker

import (
	"context"
	"testing"
	"time"
)

func TestCreate_PendingWhenIntervene(t *testing.T) {
	b := New(Settings{Intervene: true})
	s := b.Create("s1", RequestSnapshot{Model: "gpt-4"}, "fp1")
	if s.State != StatePending {
		t.Errorf("State = %v, want pending", s.State)
	}
}

func TestCreate_ProcessingWhenNotIntervene(t *testing.T) {
	b := New(Settings{Intervene: false})
	s := b.Create("s1", RequestSnapshot{Model: "gpt-4"}, "fp1")
	if s.State != StateProcessing {
		t.Errorf("State = %v, want processing", s.State)
	}
}

func TestSubscribe_ReceivesUpdates(t *testing.T) {
	b := New(Settings{Intervene: false})
	events, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Create("s1", RequestSnapshot{Model: "gpt-4"}, "fp1")

	select {
	case ev := <-events:
		if ev.Type != "request_update" || ev.Session.ID != "s1" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for request_update")
	}
}

func TestAppendContent_IsSilent(t *testing.T) {
	b := New(Settings{Intervene: false})
	b.Create("s1", RequestSnapshot{}, "fp1")

	events, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.AppendContent("s1", "hello")

	select {
	case ev := <-events:
		t.Fatalf("AppendContent should not publish, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	s := b.Get("s1")
	if s.Response == nil || s.Response.Content != "hello" {
		t.Errorf("content not applied: %+v", s.Response)
	}
}

func TestAwaitResolvePoint1(t *testing.T) {
	b := New(Settings{Intervene: true})
	b.Create("s1", RequestSnapshot{}, "fp1")

	resultCh := make(chan Point1Action, 1)
	go func() {
		action, err := b.AwaitPoint1(context.Background(), "s1")
		if err != nil {
			t.Errorf("AwaitPoint1 error = %v", err)
		}
		resultCh <- action
	}()

	// Give the goroutine a chance to register before resolving.
	time.Sleep(20 * time.Millisecond)
	if !b.ResolvePoint1("s1", Point1Action{Kind: Point1Mock, Content: "hi"}) {
		t.Fatal("ResolvePoint1 returned false, want true")
	}

	select {
	case action := <-resultCh:
		if action.Kind != Point1Mock || action.Content != "hi" {
			t.Errorf("action = %+v", action)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for AwaitPoint1")
	}
}

func TestResolvePoint1_NoPendingAwaiterReturnsFalse(t *testing.T) {
	b := New(Settings{Intervene: true})
	b.Create("s1", RequestSnapshot{}, "fp1")

	if b.ResolvePoint1("s1", Point1Action{Kind: Point1LLM}) {
		t.Error("ResolvePoint1 = true, want false with no pending awaiter")
	}
}

func TestAwaitPoint1_ContextCancel(t *testing.T) {
	b := New(Settings{Intervene: true})
	b.Create("s1", RequestSnapshot{}, "fp1")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := b.AwaitPoint1(ctx, "s1")
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected context error, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation to unblock AwaitPoint1")
	}
}

func TestComplete_NoTransitionOutOfComplete(t *testing.T) {
	b := New(Settings{Intervene: false})
	b.Create("s1", RequestSnapshot{}, "fp1")
	b.Complete("s1")
	firstCompletedAt := b.Get("s1").CompletedAt

	time.Sleep(5 * time.Millisecond)
	b.Complete("s1")
	secondCompletedAt := b.Get("s1").CompletedAt

	if !firstCompletedAt.Equal(*secondCompletedAt) {
		t.Error("Complete() mutated an already-complete session")
	}
}

func TestReaper_BoundsRetainedSessions(t *testing.T) {
	b := New(Settings{Intervene: false})
	for i := 0; i < maxRetainedSessions+10; i++ {
		id := "s" + itoa(i)
		b.Create(id, RequestSnapshot{}, "fp")
		b.Complete(id)
	}

	if got := len(b.List()); got > maxRetainedSessions {
		t.Errorf("len(List()) = %d, want <= %d", got, maxRetainedSessions)
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}
