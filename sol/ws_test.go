package sol

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotwatch/types"
)

const waitFor = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pubsubServer answers subscribe calls and pushes canned notifications
// right after each subscribe reply.
type pubsubServer struct {
	*httptest.Server

	notifications map[string][]string // subscribe method -> raw results
	errors        map[string]string   // subscribe method -> error message

	mu      sync.Mutex
	methods []string
	conns   []*websocket.Conn
}

func newPubsubServer(t *testing.T) *pubsubServer {
	t.Helper()
	s := &pubsubServer{
		notifications: map[string][]string{},
		errors:        map[string]string{},
	}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.serve(conn)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *pubsubServer) serve(conn *websocket.Conn) {
	defer conn.Close()
	var nextSub uint64 = 100
	for {
		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		s.mu.Lock()
		s.methods = append(s.methods, req.Method)
		s.mu.Unlock()

		if msg, ok := s.errors[req.Method]; ok {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(
				`{"jsonrpc":"2.0","error":{"code":-32601,"message":"`+msg+`"},"id":`+itoa(req.ID)+`}`))
			continue
		}
		if strings.HasSuffix(req.Method, "Unsubscribe") {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","result":true,"id":`+itoa(req.ID)+`}`))
			continue
		}

		nextSub++
		subID := nextSub
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","result":`+itoa(subID)+`,"id":`+itoa(req.ID)+`}`))
		notifyMethod := strings.TrimSuffix(req.Method, "Subscribe") + "Notification"
		for _, result := range s.notifications[req.Method] {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(
				`{"jsonrpc":"2.0","method":"`+notifyMethod+`","params":{"result":`+result+`,"subscription":`+itoa(subID)+`}}`))
		}
	}
}

func (s *pubsubServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *pubsubServer) receivedMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

func (s *pubsubServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
}

func itoa(n uint64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func dial(t *testing.T, s *pubsubServer) *WsClient {
	t.Helper()
	c, err := DialWs(context.Background(), s.url(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(waitFor):
		t.Fatal("nothing received")
	}
	var zero T
	return zero
}

func TestOnSlotChange(t *testing.T) {
	s := newPubsubServer(t)
	s.notifications["slotSubscribe"] = []string{
		`{"slot":250,"parent":249,"root":218}`,
		`{"slot":251,"parent":250,"root":219}`,
	}
	c := dial(t, s)

	sub, err := c.OnSlotChange(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.SlotChange{Slot: 250, Parent: 249, Root: 218}, receive(t, sub.Events()))
	assert.Equal(t, uint64(251), receive(t, sub.Events()).Slot)
}

func TestOnSlotUpdateDecodesVariants(t *testing.T) {
	s := newPubsubServer(t)
	s.notifications["slotsUpdatesSubscribe"] = []string{
		`{"slot":10,"timestamp":1700000000000,"type":"firstShredReceived"}`,
		`{"slot":10,"timestamp":1700000000100,"type":"somethingNew"}`,
		`{"slot":10,"timestamp":1700000000380,"type":"completed"}`,
		`{"slot":10,"timestamp":1700000000390,"type":"createdBank","parent":9}`,
		`{"slot":10,"timestamp":1700000000450,"type":"frozen","stats":{"numTransactionEntries":3,"numSuccessfulTransactions":40,"numFailedTransactions":2,"maxTransactionsPerEntry":20}}`,
		`{"slot":11,"timestamp":1700000000500,"type":"dead","err":"shred version mismatch"}`,
		`{"slot":10,"timestamp":1700000013000,"type":"root"}`,
	}
	c := dial(t, s)

	sub, err := c.OnSlotUpdate(context.Background())
	require.NoError(t, err)

	first := receive(t, sub.Events())
	assert.Equal(t, types.FirstShredReceived{SlotEvent: types.SlotEvent{Slot: 10, Timestamp: time.UnixMilli(1700000000000)}}, first)

	// The unknown type is skipped.
	assert.IsType(t, types.ShredsFull{}, receive(t, sub.Events()))

	bank := receive(t, sub.Events())
	require.IsType(t, types.BankCreated{}, bank)
	assert.Equal(t, uint64(9), bank.(types.BankCreated).Parent)

	frozen := receive(t, sub.Events())
	require.IsType(t, types.ReplayFrozen{}, frozen)
	assert.Equal(t, uint64(40), frozen.(types.ReplayFrozen).Stats.NumSuccessfulTransactions)

	dead := receive(t, sub.Events())
	require.IsType(t, types.ReplayFailed{}, dead)
	assert.Equal(t, "shred version mismatch", dead.(types.ReplayFailed).Err)
	assert.Equal(t, uint64(11), dead.NotificationSlot())

	assert.IsType(t, types.Rooted{}, receive(t, sub.Events()))
}

func TestSubscribeError(t *testing.T) {
	s := newPubsubServer(t)
	s.errors["slotsUpdatesSubscribe"] = "Method not found"
	c := dial(t, s)

	sub, err := c.OnSlotUpdate(context.Background())
	require.Error(t, err)
	assert.Nil(t, sub)
	assert.Contains(t, err.Error(), "Method not found")
}

func TestUnsubscribeSendsRequestAndKeepsChannelOpen(t *testing.T) {
	s := newPubsubServer(t)
	c := dial(t, s)

	sub, err := c.OnSlotChange(context.Background())
	require.NoError(t, err)
	sub.Unsubscribe()

	require.Eventually(t, func() bool {
		methods := s.receivedMethods()
		return len(methods) == 2 && methods[1] == "slotUnsubscribe"
	}, waitFor, 5*time.Millisecond)

	// Twice is harmless and sends nothing new.
	sub.Unsubscribe()

	select {
	case _, ok := <-sub.Events():
		assert.True(t, ok, "events closed by unsubscribe")
	default:
	}
	assert.Len(t, s.receivedMethods(), 2)
}

func TestConnectionLossClosesEvents(t *testing.T) {
	s := newPubsubServer(t)
	c := dial(t, s)

	legacy, err := c.OnSlotChange(context.Background())
	require.NoError(t, err)
	rich, err := c.OnSlotUpdate(context.Background())
	require.NoError(t, err)

	s.dropConnections()

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("client did not notice the lost connection")
	}
	_, ok := <-legacy.Events()
	assert.False(t, ok)
	_, ok = <-rich.Events()
	assert.False(t, ok)
	assert.Error(t, c.Err())

	_, err = c.OnSlotChange(context.Background())
	assert.Error(t, err)
}

func TestCloseEndsClient(t *testing.T) {
	s := newPubsubServer(t)
	c, err := DialWs(context.Background(), s.url(), testLogger())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Err(), ErrClosed)
	require.NoError(t, c.Close())
}

func TestDialFails(t *testing.T) {
	_, err := DialWs(context.Background(), "ws://127.0.0.1:1", testLogger())
	assert.Error(t, err)
}
