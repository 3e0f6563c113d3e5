package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/metrics"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// inboundChanSize is the buffer size for the channel carrying
	// frames from the WebSocket reader goroutine to the event loop.
	inboundChanSize = 64

	// publishChanSize is the buffer size for outbound publish requests.
	publishChanSize = 64

	// maxFrameBytes caps a single inbound frame. Events carry one message
	// each, so this is generous.
	maxFrameBytes = 1024 * 1024

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// joinWaitTimeout bounds WaitJoined.
	joinWaitTimeout = 5 * time.Second
)

// Frame ops exchanged with the realtime endpoint.
const (
	opJoin         = "join"
	opLeave        = "leave"
	opPing         = "ping"
	opPong         = "pong"
	opMessageEvent = "message_event"
)

// errAuthRejected marks a dial the server refused for credentials.
// Retrying with the same token cannot succeed.
var errAuthRejected = errors.New("realtime endpoint rejected credentials")

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// publishOp is a frame submitted to the event loop by Publish.
type publishOp struct {
	frame  outboundFrame
	result chan error
}

type outboundFrame struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

//go:generate mockgen -source=transport.go -destination=mock_wsconn_test.go -package=chat -mock_names=wsConn=MockWSConn

// wsConn abstracts the WebSocket connection so Transport can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Handler receives the data object of each event published to a topic.
// Handlers run on the transport's event loop and must not block.
type Handler func(data gjson.Result)

// Subscription is the token returned by Subscribe.
type Subscription struct {
	id      uint64
	topic   string
	handler Handler

	// joined is closed once a join frame for the topic has been written
	// after the subscription was made.
	joined   chan struct{}
	joinOnce sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

func (s *Subscription) markJoined() {
	if s.joined == nil {
		return
	}

	s.joinOnce.Do(func() { close(s.joined) })
}

// TransportConfig holds the parameters for NewTransport.
type TransportConfig struct {
	URL          string
	Token        string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Metrics      *metrics.Metrics
}

// Transport is the process-wide realtime connection.
//
// Architecture: a reader goroutine feeds inboundCh with raw WebSocket
// frames. A single event loop goroutine (Run) processes inbound frames,
// publish requests, topic changes, and heartbeat ticks. All writes to the
// connection happen from the event loop. Handlers are invoked from the
// loop, so frames for one topic reach them in arrival order.
//
// Topics are reference counted. The first subscriber to a topic causes a
// join frame, the last unsubscribe a leave frame. After a reconnect every
// topic with subscribers is joined again.
type Transport struct {
	url     string
	logger  *slog.Logger
	metrics *metrics.Metrics

	reconnectMin time.Duration
	reconnectMax time.Duration

	dial func(ctx context.Context) (wsConn, error)

	tokenMu sync.RWMutex
	token   string

	subsMu sync.Mutex
	subs   map[string][]*Subscription
	nextID uint64
	// live holds the topics joined on the current connection. Unlike
	// joined it is read outside the event loop, under subsMu.
	live map[string]bool

	// topicsChanged wakes the event loop after Subscribe/Unsubscribe
	// changed the set of active topics.
	topicsChanged chan struct{}

	opCh chan publishOp

	// Owned by the event loop goroutine.
	conn      wsConn
	joined    map[string]bool
	inboundCh chan inboundMsg

	connMu     sync.Mutex
	connCancel context.CancelFunc

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	connected   bool
	connectedMu sync.RWMutex
}

// NewTransport creates a Transport. Nothing is dialed until Run.
func NewTransport(cfg TransportConfig, logger *slog.Logger) *Transport {
	t := &Transport{
		url:           cfg.URL,
		logger:        logger,
		metrics:       cfg.Metrics,
		reconnectMin:  cfg.ReconnectMin,
		reconnectMax:  cfg.ReconnectMax,
		token:         cfg.Token,
		subs:          make(map[string][]*Subscription),
		live:          make(map[string]bool),
		topicsChanged: make(chan struct{}, 1),
		opCh:          make(chan publishOp, publishChanSize),
	}

	if t.reconnectMin <= 0 {
		t.reconnectMin = reconnectMin
	}

	if t.reconnectMax < t.reconnectMin {
		t.reconnectMax = max(reconnectMax, t.reconnectMin)
	}

	t.dial = t.dialWebSocket

	return t
}

// SetToken replaces the bearer credential used on the next dial.
func (t *Transport) SetToken(token string) {
	t.tokenMu.Lock()
	t.token = token
	t.tokenMu.Unlock()
}

func (t *Transport) dialWebSocket(ctx context.Context) (wsConn, error) {
	header := http.Header{}

	t.tokenMu.RLock()
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}
	t.tokenMu.RUnlock()

	t.logger.Debug("connecting", slog.String("url", t.url))

	conn, resp, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", errAuthRejected, resp.StatusCode)
		}

		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(maxFrameBytes)

	return conn, nil
}

// Subscribe registers handler for every event published to topic.
// Several subscribers per topic are allowed.
func (t *Transport) Subscribe(topic string, handler Handler) *Subscription {
	t.subsMu.Lock()
	t.nextID++
	sub := &Subscription{id: t.nextID, topic: topic, handler: handler, joined: make(chan struct{})}
	first := len(t.subs[topic]) == 0
	t.subs[topic] = append(t.subs[topic], sub)

	if t.live[topic] {
		sub.markJoined()
	}
	t.subsMu.Unlock()

	if first {
		t.signalTopics()
	}

	return sub
}

// Unsubscribe removes a subscription. Unknown or already removed
// subscriptions are ignored.
func (t *Transport) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	t.subsMu.Lock()

	list := t.subs[sub.topic]
	removed := false

	for i, s := range list {
		if s.id == sub.id {
			list = append(list[:i:i], list[i+1:]...)
			removed = true

			break
		}
	}

	last := removed && len(list) == 0
	if len(list) == 0 {
		delete(t.subs, sub.topic)
	} else {
		t.subs[sub.topic] = list
	}

	t.subsMu.Unlock()

	if last {
		t.signalTopics()
	}
}

// WaitJoined waits until the join frame for sub's topic has been written,
// so that events published from then on reach sub. It gives up after
// joinWaitTimeout or when ctx ends, and returns false at once while
// disconnected; the topic is joined when the connection comes back.
func (t *Transport) WaitJoined(ctx context.Context, sub *Subscription) bool {
	if sub == nil || sub.joined == nil || !t.Connected() {
		return false
	}

	timer := time.NewTimer(joinWaitTimeout)
	defer timer.Stop()

	select {
	case <-sub.joined:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// setLive records whether topic is joined on the current connection and
// releases waiting subscribers once it is.
func (t *Transport) setLive(topic string, live bool) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	if !live {
		delete(t.live, topic)
		return
	}

	t.live[topic] = true
	for _, sub := range t.subs[topic] {
		sub.markJoined()
	}
}

func (t *Transport) resetLive() {
	t.subsMu.Lock()
	t.live = make(map[string]bool)
	t.subsMu.Unlock()
}

// SubscriberCount returns the number of subscribers for topic.
func (t *Transport) SubscriberCount(topic string) int {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	return len(t.subs[topic])
}

func (t *Transport) signalTopics() {
	select {
	case t.topicsChanged <- struct{}{}:
	default:
	}
}

// activeTopics returns the topics with at least one subscriber, sorted.
func (t *Transport) activeTopics() []string {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	topics := make([]string, 0, len(t.subs))
	for topic := range t.subs {
		topics = append(topics, topic)
	}

	sort.Strings(topics)

	return topics
}

func (t *Transport) handlersFor(topic string) []*Subscription {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	list := t.subs[topic]
	if len(list) == 0 {
		return nil
	}

	out := make([]*Subscription, len(list))
	copy(out, list)

	return out
}

// Publish sends a frame on the connection. It waits for the event loop
// to write it, so it blocks while disconnected until ctx is done.
func (t *Transport) Publish(ctx context.Context, op, topic string, payload any) error {
	var data json.RawMessage

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshalling payload: %w", err)
		}

		data = raw
	}

	req := publishOp{
		frame:  outboundFrame{Op: op, Topic: topic, Data: data},
		result: make(chan error, 1),
	}

	select {
	case t.opCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and serves the event loop, reconnecting with exponential
// backoff and jitter whenever the connection drops. Returns only on
// context cancellation or when the server rejects the credentials.
func (t *Transport) Run(ctx context.Context) error {
	backoff := t.reconnectMin
	dialed := false

	for {
		conn, err := t.dial(ctx)
		if err == nil {
			if dialed {
				t.metrics.Reconnected()
				t.logger.Info("reconnected")
			} else {
				t.logger.Info("realtime connection established")
			}

			dialed = true
			backoff = t.reconnectMin

			err = t.serve(ctx, conn)
		}

		t.setConnected(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, errAuthRejected) {
			return fmt.Errorf("permanent error: %w", err)
		}

		jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

		t.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff+jitter),
		)

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*reconnectBackoffMultiplier, t.reconnectMax)
	}
}

// serve runs one connection until it fails. Every active topic is joined
// before the loop starts, which is what restores subscriptions after a
// reconnect.
func (t *Transport) serve(ctx context.Context, conn wsConn) error {
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	t.connMu.Lock()
	t.conn = conn
	t.connCancel = connCancel
	t.connMu.Unlock()

	t.joined = make(map[string]bool)
	t.resetLive()
	t.touchLastMessage()
	t.startReader(connCtx)
	t.setConnected(true)

	err := t.syncTopics(ctx)
	if err == nil {
		err = t.eventLoop(ctx, connCtx)
	}

	conn.Close(websocket.StatusGoingAway, "reconnecting")

	return err
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on inboundCh.
// The goroutine captures ch and conn by value so that a reader left over
// from a previous connection cannot deliver into the new channel.
func (t *Transport) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	t.inboundCh = ch
	conn := t.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// eventLoop is the single event loop for one connection. All writes
// happen here. Returns on read error, write error, heartbeat timeout or
// context cancellation.
func (t *Transport) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-t.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			t.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				t.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			t.handleInbound(msg.data)

		case <-t.topicsChanged:
			if err := t.syncTopics(ctx); err != nil {
				return err
			}

		case op := <-t.opCh:
			err := t.writeJSON(ctx, op.frame)
			op.result <- err

			if err != nil {
				return fmt.Errorf("publishing %s: %w", op.frame.Op, err)
			}

		case <-ticker.C:
			t.lastMsgMu.Lock()
			elapsed := time.Since(t.lastMessage)
			t.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				t.logger.Warn("connection timed out, closing")
				t.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := t.writeJSON(ctx, outboundFrame{Op: opPing}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// syncTopics joins topics that gained their first subscriber and leaves
// topics that lost their last one. Only called from the event loop.
func (t *Transport) syncTopics(ctx context.Context) error {
	active := t.activeTopics()
	want := make(map[string]bool, len(active))

	for _, topic := range active {
		want[topic] = true

		if t.joined[topic] {
			continue
		}

		if err := t.writeJSON(ctx, outboundFrame{Op: opJoin, Topic: topic}); err != nil {
			return fmt.Errorf("joining %s: %w", topic, err)
		}

		t.joined[topic] = true
		t.setLive(topic, true)
		t.logger.Debug("joined topic", slog.String("topic", topic))
	}

	stale := make([]string, 0)
	for topic := range t.joined {
		if !want[topic] {
			stale = append(stale, topic)
		}
	}

	sort.Strings(stale)

	for _, topic := range stale {
		if err := t.writeJSON(ctx, outboundFrame{Op: opLeave, Topic: topic}); err != nil {
			return fmt.Errorf("leaving %s: %w", topic, err)
		}

		delete(t.joined, topic)
		t.setLive(topic, false)
		t.logger.Debug("left topic", slog.String("topic", topic))
	}

	return nil
}

// handleInbound dispatches a single inbound text frame.
func (t *Transport) handleInbound(data []byte) {
	if !gjson.ValidBytes(data) {
		t.logger.Debug("unparseable text frame", slog.Int("bytes", len(data)))
		t.metrics.EventDropped()

		return
	}

	frame := gjson.ParseBytes(data)

	switch op := frame.Get("op").String(); op {
	case opPong:
		return

	case opMessageEvent:
		topic := frame.Get("topic").String()
		if topic == "" {
			t.logger.Warn("event frame without topic")
			t.metrics.EventDropped()

			return
		}

		subs := t.handlersFor(topic)
		if len(subs) == 0 {
			t.logger.Debug("event for topic with no subscribers", slog.String("topic", topic))
			return
		}

		payload := frame.Get("data")
		for _, sub := range subs {
			sub.handler(payload)
		}

	default:
		t.logger.Debug("unexpected frame", slog.String("op", op))
	}
}

// writeJSON marshals v to JSON and writes it as a text frame.
// Only called from the event loop.
func (t *Transport) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *Transport) touchLastMessage() {
	t.lastMsgMu.Lock()
	t.lastMessage = time.Now()
	t.lastMsgMu.Unlock()
}

func (t *Transport) setConnected(v bool) {
	t.connectedMu.Lock()
	t.connected = v
	t.connectedMu.Unlock()
}

// Connected reports whether the WebSocket connection is live.
func (t *Transport) Connected() bool {
	t.connectedMu.RLock()
	v := t.connected
	t.connectedMu.RUnlock()

	return v
}

// Close drops the current connection. Run keeps running until its
// context is cancelled, so Close mostly matters for tests and shutdown.
func (t *Transport) Close() error {
	t.connMu.Lock()
	cancel := t.connCancel
	conn := t.conn
	t.connMu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}
