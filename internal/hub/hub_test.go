package hub

import (
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tjfontaine/playingpack/internal/broker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestServeHTTP_SendsInitialSnapshot(t *testing.T) {
	b := broker.New(broker.DefaultSettings())
	b.Create("sess-1", broker.RequestSnapshot{Model: "gpt-4o-mini"}, "fp-1")

	h := New(b, testLogger())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	var msg outbound
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if msg.Type != "request_update" || msg.Session == nil || msg.Session.ID != "sess-1" {
		t.Errorf("unexpected snapshot message: %+v", msg)
	}
}

func TestServeHTTP_BroadcastsBrokerEvents(t *testing.T) {
	b := broker.New(broker.DefaultSettings())

	h := New(b, testLogger())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	b.Create("sess-2", broker.RequestSnapshot{Model: "gpt-4o-mini"}, "fp-2")

	var msg outbound
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if msg.Session != nil && msg.Session.ID == "sess-2" {
			break
		}
	}
}

func TestServeHTTP_Point1ActionResolvesAwaiter(t *testing.T) {
	b := broker.New(broker.Settings{Cache: broker.CacheReadWrite, Intervene: true})
	b.Create("sess-3", broker.RequestSnapshot{Model: "gpt-4o-mini"}, "fp-3")

	h := New(b, testLogger())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	// drain the initial snapshot
	var snap outbound
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	resolved := make(chan broker.Point1Action, 1)
	go func() {
		action, err := b.AwaitPoint1(noTimeoutCtx{}, "sess-3")
		if err == nil {
			resolved <- action
		}
	}()

	time.Sleep(20 * time.Millisecond)

	msg := inbound{Type: "point1_action", SessionID: "sess-3", Point1: &broker.Point1Action{Kind: broker.Point1LLM}}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write point1_action: %v", err)
	}

	select {
	case action := <-resolved:
		if action.Kind != broker.Point1LLM {
			t.Errorf("resolved kind = %q, want %q", action.Kind, broker.Point1LLM)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for point1 resolution")
	}
}

func TestServeHTTP_PingPong(t *testing.T) {
	b := broker.New(broker.DefaultSettings())
	h := New(b, testLogger())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(inbound{Type: "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	var msg outbound
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == "pong" {
			break
		}
	}
}

// TestServeHTTP_ConcurrentPingAndBrokerEvent fires pings on one
// goroutine while another drives broker events, so that a regression
// reintroducing a second direct writer on conn is caught under -race
// rather than surfacing only as an occasional corrupted frame in
// production.
func TestServeHTTP_ConcurrentPingAndBrokerEvent(t *testing.T) {
	b := broker.New(broker.DefaultSettings())
	h := New(b, testLogger())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	const rounds = 50

	var pingWG sync.WaitGroup
	pingWG.Add(1)
	go func() {
		defer pingWG.Done()
		for i := 0; i < rounds; i++ {
			if err := conn.WriteJSON(inbound{Type: "ping"}); err != nil {
				return
			}
		}
	}()

	var eventWG sync.WaitGroup
	eventWG.Add(1)
	go func() {
		defer eventWG.Done()
		for i := 0; i < rounds; i++ {
			b.Create(fmt.Sprintf("sess-concurrent-%d", i), broker.RequestSnapshot{Model: "gpt-4o-mini"}, fmt.Sprintf("fp-%d", i))
		}
	}()

	pongs, updates := 0, 0
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for pongs < rounds || updates < rounds {
		var msg outbound
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (pongs=%d updates=%d)", err, pongs, updates)
		}
		switch msg.Type {
		case "pong":
			pongs++
		case "request_update":
			updates++
		}
	}

	pingWG.Wait()
	eventWG.Wait()
}

// noTimeoutCtx satisfies broker's contextLike interface for tests that
// don't need cancellation.
type noTimeoutCtx struct{}

func (noTimeoutCtx) Done() <-chan struct{} { return nil }
func (noTimeoutCtx) Err() error            { return nil }
