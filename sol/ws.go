package sol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"slotwatch/config"
	"slotwatch/slot"
	"slotwatch/types"
)

var ErrClosed = errors.New("websocket connection closed")

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcMessage is either a call response (ID set) or a subscription
// notification (Method and Params set).
type rpcMessage struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params *struct {
		Subscription uint64          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type callReply struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	reply chan callReply
	sub   *subscription
}

// subscription is the untyped side of a WsSubscription. deliver and finish
// are only called from the read loop.
type subscription struct {
	id                uint64
	unsubscribeMethod string
	deliver           func(raw json.RawMessage)
	finish            func()

	done     chan struct{}
	doneOnce sync.Once
}

func (s *subscription) detach() {
	s.doneOnce.Do(func() { close(s.done) })
}

// WsClient is a Solana pubsub client. One read loop owns the connection's
// incoming side: it answers calls, routes notifications to subscriptions,
// and closes every subscription's events channel when the connection drops.
type WsClient struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
	subs    map[uint64]*subscription
	err     error

	closing   chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func DialWs(ctx context.Context, url string, logger *slog.Logger) (*WsClient, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: config.DefaultDialTimeout,
		ReadBufferSize:   1 << 16,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := &WsClient{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]*pendingCall),
		subs:    make(map[uint64]*subscription),
		closing: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	logger.Info("Connected to websocket", "url", url)
	return c, nil
}

// Done is closed once the connection is gone.
func (c *WsClient) Done() <-chan struct{} {
	return c.closed
}

// Err returns why the connection ended, nil while it is open.
func (c *WsClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *WsClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if err = c.conn.Close(); errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	<-c.closed
	return err
}

func (c *WsClient) readLoop() {
	var loopErr error
	defer func() {
		select {
		case <-c.closing:
			loopErr = ErrClosed
		default:
		}
		_ = c.conn.Close()

		c.mu.Lock()
		c.err = loopErr
		pending, subs := c.pending, c.subs
		c.pending, c.subs = map[uint64]*pendingCall{}, map[uint64]*subscription{}
		c.mu.Unlock()

		for _, call := range pending {
			call.reply <- callReply{err: fmt.Errorf("%w: %v", ErrClosed, loopErr)}
		}
		for _, sub := range subs {
			sub.finish()
		}
		close(c.closed)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			loopErr = err
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Dropping malformed websocket message", "err", err)
			continue
		}
		if msg.ID != nil {
			c.handleReply(*msg.ID, &msg)
			continue
		}
		if msg.Params != nil {
			c.mu.Lock()
			sub := c.subs[msg.Params.Subscription]
			c.mu.Unlock()
			if sub == nil {
				c.logger.Debug("Notification for unknown subscription", "method", msg.Method, "subscription", msg.Params.Subscription)
				continue
			}
			sub.deliver(msg.Params.Result)
		}
	}
}

// handleReply answers a pending call. A subscribe reply registers the
// subscription before the caller wakes up, so no notification sent right
// after the reply is lost.
func (c *WsClient) handleReply(id uint64, msg *rpcMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)

	if msg.Error != nil {
		call.reply <- callReply{err: msg.Error}
		return
	}
	if call.sub != nil {
		var subID uint64
		if err := json.Unmarshal(msg.Result, &subID); err != nil {
			call.reply <- callReply{err: fmt.Errorf("invalid subscription id %s: %w", msg.Result, err)}
			return
		}
		call.sub.id = subID
		c.subs[subID] = call.sub
	}
	call.reply <- callReply{result: msg.Result}
}

func (c *WsClient) write(req rpcRequest) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(config.DefaultTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(req)
}

// call sends method and waits for its reply. sub is registered when the
// call is a subscribe.
func (c *WsClient) call(ctx context.Context, method string, params []any, sub *subscription) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	reply := make(chan callReply, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = &pendingCall{reply: reply, sub: sub}
	c.mu.Unlock()

	if err := c.write(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return nil, fmt.Errorf("%s failed: %w", method, r.err)
		}
		return r.result, nil
	case <-ctx.Done():
		if !c.forget(id) {
			// The reply won the race.
			if r := <-reply; r.err == nil && sub != nil {
				c.unsubscribe(sub)
			}
		}
		return nil, ctx.Err()
	}
}

// forget drops a pending call and reports whether it was still pending.
func (c *WsClient) forget(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	return ok
}

// unsubscribe detaches sub and tells the node, without waiting for the reply.
// The events channel stays open.
func (c *WsClient) unsubscribe(sub *subscription) {
	sub.detach()

	c.mu.Lock()
	registered := c.subs[sub.id] == sub
	if registered {
		delete(c.subs, sub.id)
	}
	closed := c.err != nil
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	if !registered || closed {
		return
	}
	if err := c.write(rpcRequest{JSONRPC: "2.0", ID: id, Method: sub.unsubscribeMethod, Params: []any{sub.id}}); err != nil {
		c.logger.Warn("Failed to send unsubscribe", "method", sub.unsubscribeMethod, "subscription", sub.id, "err", err)
	}
}

// WsSubscription is a typed subscription on a WsClient.
type WsSubscription[T any] struct {
	client *WsClient
	sub    *subscription
	events chan T
}

func (s *WsSubscription[T]) Events() <-chan T {
	return s.events
}

func (s *WsSubscription[T]) Unsubscribe() {
	s.client.unsubscribe(s.sub)
}

// Subscribe opens a subscription whose notifications decode into T. decode
// returning false drops the notification.
func Subscribe[T any](ctx context.Context, c *WsClient, method, unsubscribeMethod string, params []any, decode func(json.RawMessage) (T, bool)) (*WsSubscription[T], error) {
	s := &WsSubscription[T]{
		client: c,
		events: make(chan T, config.SubscriptionBufferSize),
	}
	sub := &subscription{
		unsubscribeMethod: unsubscribeMethod,
		done:              make(chan struct{}),
	}
	sub.deliver = func(raw json.RawMessage) {
		v, ok := decode(raw)
		if !ok {
			return
		}
		select {
		case s.events <- v:
		case <-sub.done:
		}
	}
	sub.finish = func() { close(s.events) }
	s.sub = sub

	if _, err := c.call(ctx, method, params, sub); err != nil {
		return nil, err
	}
	c.logger.Debug("Subscribed", "method", method, "subscription", sub.id)
	return s, nil
}

// OnSlotChange opens slotSubscribe.
func (c *WsClient) OnSlotChange(ctx context.Context) (slot.Subscription[types.SlotChange], error) {
	sub, err := Subscribe(ctx, c, "slotSubscribe", "slotUnsubscribe", nil, func(raw json.RawMessage) (types.SlotChange, bool) {
		var change types.SlotChange
		if err := json.Unmarshal(raw, &change); err != nil {
			c.logger.Warn("Dropping malformed slot notification", "err", err)
			return change, false
		}
		return change, true
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// OnSlotUpdate opens slotsUpdatesSubscribe. Unknown update types are dropped.
func (c *WsClient) OnSlotUpdate(ctx context.Context) (slot.Subscription[types.Notification], error) {
	sub, err := Subscribe(ctx, c, "slotsUpdatesSubscribe", "slotsUpdatesUnsubscribe", nil, func(raw json.RawMessage) (types.Notification, bool) {
		var update types.SlotUpdate
		if err := json.Unmarshal(raw, &update); err != nil {
			c.logger.Warn("Dropping malformed slot update", "err", err)
			return nil, false
		}
		n, ok := update.Notification()
		if !ok {
			c.logger.Debug("Ignoring unknown slot update type", "type", update.Type, "slot", update.Slot)
		}
		return n, ok
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}
