package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"tokensync/internal/wire"
)

const testProtocol = "token-protocol"

type result struct {
	data json.RawMessage
	err  error
}

// newServer runs script once per accepted websocket connection.
func newServer(t *testing.T, script func(ws *websocket.Conn)) string {
	t.Helper()
	up := websocket.Upgrader{
		Subprotocols: []string{testProtocol},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		script(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, opts Options) *Channel {
	t.Helper()
	ch, err := Dial(context.Background(), url, testProtocol, opts)
	if err != nil {
		t.Fatalf("dial err=%v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func readRequest(ws *websocket.Conn) (wire.Request, bool) {
	_, b, err := ws.ReadMessage()
	if err != nil {
		return wire.Request{}, false
	}
	req, err := wire.DecodeRequest(b)
	if err != nil {
		return wire.Request{}, false
	}
	return req, true
}

func writeRaw(ws *websocket.Conn, s string) {
	_ = ws.WriteMessage(websocket.TextMessage, []byte(s))
}

func writeReply(ws *websocket.Conn, callID string, data any) {
	b, _ := wire.EncodeReply(callID, data)
	_ = ws.WriteMessage(websocket.TextMessage, b)
}

func writePush(ws *websocket.Conn, opcode string, data any) {
	b, _ := wire.EncodePush(opcode, data)
	_ = ws.WriteMessage(websocket.TextMessage, b)
}

// idle keeps the server side open until the client goes away.
func idle(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting")
	}
	var zero T
	return zero
}

func TestChannel_CallReceivesReply(t *testing.T) {
	seen := make(chan wire.Request, 1)
	url := newServer(t, func(ws *websocket.Conn) {
		req, ok := readRequest(ws)
		if !ok {
			return
		}
		seen <- req
		writeReply(ws, req.RPCCall, map[string]any{"Status": "OK", "hp": 8})
		idle(ws)
	})

	opened := make(chan struct{}, 1)
	ch := dial(t, url, Options{OnOpen: func() { opened <- struct{}{} }})
	recv(t, opened)

	results := make(chan result, 1)
	callID, err := ch.Call("Token_7.ChangeHp", func(data json.RawMessage, err error) {
		results <- result{data, err}
	}, 10, 8)
	assert.Equal(t, err, nil)
	assert.Equal(t, callID, "Token_7.ChangeHp_1")

	req := recv(t, seen)
	assert.Equal(t, req.Opcode, "Token_7.ChangeHp")
	assert.Equal(t, req.RPCCall, callID)
	assert.Equal(t, len(req.Args), 2)

	res := recv(t, results)
	assert.Equal(t, res.err, nil)
	reply, err := wire.DecodeReply(res.data)
	assert.Equal(t, err, nil)
	assert.Equal(t, reply.OK(), true)
	assert.Equal(t, ch.Pending(), 0)
	assert.Equal(t, ch.Stats().Replies, uint64(1))
}

func TestChannel_CallIDsAreMonotonic(t *testing.T) {
	url := newServer(t, idle)
	ch := dial(t, url, Options{})

	noop := func(json.RawMessage, error) {}
	a, _ := ch.Call("x", noop)
	b, _ := ch.Call("y", noop)
	c, _ := ch.Call("x", noop)
	assert.Equal(t, a, "x_1")
	assert.Equal(t, b, "y_2")
	assert.Equal(t, c, "x_3")
	assert.Equal(t, ch.Pending(), 3)
}

func TestChannel_ProtocolErrorsAreDropped(t *testing.T) {
	start := make(chan struct{})
	url := newServer(t, func(ws *websocket.Conn) {
		<-start
		writeRaw(ws, `{"opcode":`)
		writeReply(ws, "nothing_1", map[string]any{"Status": "OK"})
		writePush(ws, "nobody", map[string]any{})
		writePush(ws, "hello", map[string]any{"n": 1})
		idle(ws)
	})

	got := make(chan string, 1)
	ch := dial(t, url, Options{})
	ch.Handle("hello", func(opcode string, data json.RawMessage) {
		got <- string(data)
	})
	close(start)

	assert.Equal(t, recv(t, got), `{"n":1}`)
	st := ch.Stats()
	assert.Equal(t, st.ProtocolErrors, uint64(2))
	assert.Equal(t, st.UnknownOpcodes, uint64(1))
	assert.Equal(t, ch.Err(), nil)
}

func TestChannel_HandleLastWriterWins(t *testing.T) {
	start := make(chan struct{})
	url := newServer(t, func(ws *websocket.Conn) {
		<-start
		writePush(ws, "tokenAdd", map[string]any{})
		idle(ws)
	})

	got := make(chan string, 2)
	ch := dial(t, url, Options{})
	ch.Handle("tokenAdd", func(string, json.RawMessage) { got <- "first" })
	ch.Handle("tokenAdd", func(string, json.RawMessage) { got <- "second" })
	close(start)

	assert.Equal(t, recv(t, got), "second")
}

func TestChannel_HandlerPanicIsRecovered(t *testing.T) {
	url := newServer(t, func(ws *websocket.Conn) {
		writePush(ws, "boom", nil)
		writePush(ws, "hello", nil)
		idle(ws)
	})

	got := make(chan struct{}, 1)
	start := make(chan struct{})
	ch := dial(t, url, Options{OnOpen: func() { <-start }})
	ch.Handle("boom", func(string, json.RawMessage) { panic("bad update") })
	ch.Handle("hello", func(string, json.RawMessage) { got <- struct{}{} })
	close(start)

	recv(t, got)
}

func TestChannel_CallTimeoutFiresOnce(t *testing.T) {
	url := newServer(t, func(ws *websocket.Conn) {
		req, ok := readRequest(ws)
		if !ok {
			return
		}
		time.Sleep(150 * time.Millisecond)
		writeReply(ws, req.RPCCall, map[string]any{"Status": "OK"})
		writePush(ws, "done", nil)
		idle(ws)
	})

	var calls atomic.Int32
	results := make(chan result, 2)
	done := make(chan struct{}, 1)
	ch := dial(t, url, Options{CallTimeout: 30 * time.Millisecond})
	ch.Handle("done", func(string, json.RawMessage) { done <- struct{}{} })

	_, err := ch.Call("token.SubscribeToken", func(data json.RawMessage, err error) {
		calls.Add(1)
		results <- result{data, err}
	}, 7)
	assert.Equal(t, err, nil)

	res := recv(t, results)
	assert.Equal(t, errors.Is(res.err, ErrCallTimeout), true)
	assert.Equal(t, ch.Pending(), 0)

	// The late reply matches nothing.
	recv(t, done)
	assert.Equal(t, calls.Load(), int32(1))
	assert.Equal(t, ch.Stats().Timeouts, uint64(1))
	assert.Equal(t, ch.Stats().ProtocolErrors, uint64(1))
}

func TestChannel_CancelDeliversCanceled(t *testing.T) {
	url := newServer(t, idle)
	ch := dial(t, url, Options{})

	results := make(chan result, 1)
	callID, err := ch.Call("slow", func(data json.RawMessage, err error) {
		results <- result{data, err}
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, ch.Cancel(callID), true)
	assert.Equal(t, ch.Cancel(callID), false)

	res := recv(t, results)
	assert.Equal(t, errors.Is(res.err, ErrCallCanceled), true)
	assert.Equal(t, ch.Pending(), 0)
}

func TestChannel_CloseFailsPendingCalls(t *testing.T) {
	url := newServer(t, idle)

	closed := make(chan error, 1)
	ch := dial(t, url, Options{OnClose: func(err error) { closed <- err }})

	results := make(chan result, 2)
	for _, op := range []string{"a", "b"} {
		_, err := ch.Call(op, func(data json.RawMessage, err error) {
			results <- result{data, err}
		})
		assert.Equal(t, err, nil)
	}
	_ = ch.Close()

	for range 2 {
		res := recv(t, results)
		assert.Equal(t, errors.Is(res.err, ErrClosed), true)
	}
	assert.Equal(t, recv(t, closed), nil)
	<-ch.Done()

	_, err := ch.Call("late", func(json.RawMessage, error) {})
	assert.Equal(t, errors.Is(err, ErrClosed), true)
	assert.Equal(t, errors.Is(ch.Send("late"), ErrClosed), true)
}

func TestChannel_ServerHangupClosesChannel(t *testing.T) {
	url := newServer(t, func(ws *websocket.Conn) {
		_, _ = readRequest(ws)
	})
	ch := dial(t, url, Options{})

	results := make(chan result, 1)
	_, err := ch.Call("x", func(data json.RawMessage, err error) { results <- result{data, err} })
	assert.Equal(t, err, nil)

	res := recv(t, results)
	assert.Equal(t, errors.Is(res.err, ErrClosed), true)
	<-ch.Done()
	assert.NotEqual(t, ch.Err(), nil)
}

func TestDial_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := Dial(context.Background(), url, testProtocol, Options{HandshakeTimeout: time.Second})
	var ce *ConnectionError
	assert.Equal(t, errors.As(err, &ce), true)
	assert.Equal(t, ce.Endpoint, url)
}

func TestDial_RejectsMissingSubprotocol(t *testing.T) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		idle(ws)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), testProtocol, Options{})
	var ce *ConnectionError
	assert.Equal(t, errors.As(err, &ce), true)
}
