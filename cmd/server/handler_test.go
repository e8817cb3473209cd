package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/wsrelay/internal/dialer"
	"github.com/matst80/wsrelay/internal/ratelimit"
	"github.com/matst80/wsrelay/internal/relay"
)

func echoTarget(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

type testRelay struct {
	handler *relayHandler
	state   *serverState
	url     string
	cancel  context.CancelFunc
}

func newTestRelay(t *testing.T, rl *ratelimit.RateLimiter) *testRelay {
	t.Helper()
	d, err := dialer.New(dialer.Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	state := newServerState()
	state.setReady(true)
	c := &Config{MaxMessageSize: 1 << 20, WriteTimeout: time.Second}
	h := newRelayHandler(ctx, c, d, rl, state)
	ts := httptest.NewServer(h)
	tr := &testRelay{handler: h, state: state, url: "ws" + strings.TrimPrefix(ts.URL, "http"), cancel: cancel}
	t.Cleanup(func() {
		cancel()
		ts.Close()
		h.wait()
	})
	return tr
}

func readControl(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read control: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("control message arrived as type %d", mt)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("control %q: %v", data, err)
	}
	return msg
}

func TestRelayEndToEnd(t *testing.T) {
	port := echoTarget(t)
	tr := newTestRelay(t, nil)

	c, _, err := websocket.DefaultDialer.Dial(tr.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// Sent before the directive; must reach the target first.
	if err := c.WriteMessage(websocket.BinaryMessage, []byte("early:")); err != nil {
		t.Fatal(err)
	}
	directive := `{"type":"tcp","host":"127.0.0.1","port":` + strconv.Itoa(port) + `}`
	if err := c.WriteMessage(websocket.TextMessage, []byte(directive)); err != nil {
		t.Fatal(err)
	}
	if msg := readControl(t, c); msg["type"] != "dns_response" || msg["status"] != "ok" {
		t.Fatalf("confirmation = %v", msg)
	}
	if err := c.WriteMessage(websocket.BinaryMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}

	var got []byte
	for len(got) < len("early:ping") {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		mt, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read echo: %v", err)
		}
		if mt != websocket.BinaryMessage {
			t.Fatalf("echo arrived as type %d", mt)
		}
		got = append(got, data...)
	}
	if string(got) != "early:ping" {
		t.Errorf("echo = %q", got)
	}

	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := tr.state.getStats()
		if st.TotalSessions == 1 {
			if st.Active != 0 || st.Outcomes[relay.OutcomeClientClosed] != 1 {
				t.Errorf("stats = %+v", st)
			}
			if len(st.Recent) != 1 || st.Recent[0].BytesUp != 10 || st.Recent[0].BytesDown != 10 {
				t.Errorf("recent = %+v", st.Recent)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never recorded: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRelayReportsDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	tr := newTestRelay(t, nil)

	c, _, err := websocket.DefaultDialer.Dial(tr.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	directive := `{"type":"tcp","host":"127.0.0.1","port":` + strconv.Itoa(port) + `}`
	if err := c.WriteMessage(websocket.TextMessage, []byte(directive)); err != nil {
		t.Fatal(err)
	}
	msg := readControl(t, c)
	if msg["type"] != "error" || !strings.HasPrefix(msg["message"].(string), "dial failed") {
		t.Fatalf("reply = %v", msg)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := c.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal closure after dial failure, got %v", err)
	}
}

func TestRelayRateLimited(t *testing.T) {
	tr := newTestRelay(t, ratelimit.NewRateLimiter(0, 1, 1))

	c, _, err := websocket.DefaultDialer.Dial(tr.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_, resp, err := websocket.DefaultDialer.Dial(tr.url, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("second dial err = %v, want bad handshake", err)
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second dial response = %+v", resp)
	}
}

func TestRelayRejectsWhileClosing(t *testing.T) {
	tr := newTestRelay(t, nil)
	tr.state.setClosing(true)
	_, resp, err := websocket.DefaultDialer.Dial(tr.url, nil)
	if err == nil {
		t.Fatal("upgrade accepted while closing")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("response = %+v", resp)
	}
}

func TestRelayPlainRequest(t *testing.T) {
	tr := newTestRelay(t, nil)
	resp, err := http.Get("http" + strings.TrimPrefix(tr.url, "ws"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	port := echoTarget(t)
	tr := newTestRelay(t, nil)
	c, _, err := websocket.DefaultDialer.Dial(tr.url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	directive := `{"type":"tcp","host":"127.0.0.1","port":` + strconv.Itoa(port) + `}`
	if err := c.WriteMessage(websocket.TextMessage, []byte(directive)); err != nil {
		t.Fatal(err)
	}
	readControl(t, c)

	tr.cancel()
	msg := readControl(t, c)
	if msg["type"] != "error" || msg["message"] != relay.ErrShutdown.Error() {
		t.Errorf("reply = %v", msg)
	}
	done := make(chan struct{})
	go func() { tr.handler.wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sessions still running after cancellation")
	}
}

func TestUpgradeRefusedAfterWait(t *testing.T) {
	tr := newTestRelay(t, nil)
	tr.handler.wait()
	_, resp, err := websocket.DefaultDialer.Dial(tr.url, nil)
	if err == nil {
		t.Fatal("upgrade accepted after the handler stopped")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("response = %+v", resp)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:51234"
	r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	if got := clientIP(r, false); got != "203.0.113.9" {
		t.Errorf("clientIP untrusted = %q", got)
	}
	if got := clientIP(r, true); got != "198.51.100.1" {
		t.Errorf("clientIP trusted = %q", got)
	}
	r.Header.Del("X-Forwarded-For")
	if got := clientIP(r, true); got != "203.0.113.9" {
		t.Errorf("clientIP without header = %q", got)
	}
}
