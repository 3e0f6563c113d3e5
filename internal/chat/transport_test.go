package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/metrics"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/mock/gomock"
)

// newTestTransport creates a Transport with the mock connection injected.
func newTestTransport(t *testing.T, conn wsConn) *Transport {
	t.Helper()

	tr := NewTransport(TransportConfig{URL: "ws://unused"}, logging.Discard())
	tr.conn = conn
	tr.joined = make(map[string]bool)
	tr.inboundCh = make(chan inboundMsg, 16)

	return tr
}

func frameJSON(t *testing.T, f outboundFrame) []byte {
	t.Helper()

	data, err := json.Marshal(f)
	require.NoError(t, err)

	return data
}

// --- writeJSON ---

func TestTransportWriteJSON_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	tr := newTestTransport(t, mock)

	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte(`{"op":"ping"}`)).Return(nil)

	assert.NoError(t, tr.writeJSON(context.Background(), outboundFrame{Op: opPing}))
}

func TestTransportWriteJSON_WriteError(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	tr := newTestTransport(t, mock)

	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		Return(fmt.Errorf("connection reset"))

	assert.ErrorContains(t, tr.writeJSON(context.Background(), outboundFrame{Op: opPing}), "connection reset")
}

func TestTransportWriteJSON_MarshalError(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := newTestTransport(t, NewMockWSConn(ctrl))

	// Channels cannot be marshalled to JSON.
	assert.ErrorContains(t, tr.writeJSON(context.Background(), make(chan int)), "marshalling message")
}

// --- Subscribe / Unsubscribe ---

func TestSubscribe_RefCounted(t *testing.T) {
	tr := NewTransport(TransportConfig{}, logging.Discard())

	a := tr.Subscribe("room:1", func(gjson.Result) {})
	assert.Len(t, tr.topicsChanged, 1, "first subscriber signals a join")

	<-tr.topicsChanged

	b := tr.Subscribe("room:1", func(gjson.Result) {})
	assert.Empty(t, tr.topicsChanged, "second subscriber does not")
	assert.Equal(t, 2, tr.SubscriberCount("room:1"))

	tr.Unsubscribe(a)
	assert.Empty(t, tr.topicsChanged)
	assert.Equal(t, 1, tr.SubscriberCount("room:1"))

	tr.Unsubscribe(a)
	assert.Equal(t, 1, tr.SubscriberCount("room:1"), "double unsubscribe is ignored")

	tr.Unsubscribe(b)
	assert.Len(t, tr.topicsChanged, 1, "last unsubscribe signals a leave")
	assert.Zero(t, tr.SubscriberCount("room:1"))
	assert.Empty(t, tr.activeTopics())

	tr.Unsubscribe(nil)
}

// --- syncTopics ---

func TestSyncTopics_JoinsAndLeaves(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	tr := newTestTransport(t, mock)
	ctx := context.Background()

	subA := tr.Subscribe("room:2", func(gjson.Result) {})
	tr.Subscribe("group:1", func(gjson.Result) {})

	gomock.InOrder(
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, frameJSON(t, outboundFrame{Op: opJoin, Topic: "group:1"})).Return(nil),
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, frameJSON(t, outboundFrame{Op: opJoin, Topic: "room:2"})).Return(nil),
	)
	require.NoError(t, tr.syncTopics(ctx))

	// Nothing changed: no writes.
	require.NoError(t, tr.syncTopics(ctx))

	tr.Unsubscribe(subA)
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, frameJSON(t, outboundFrame{Op: opLeave, Topic: "room:2"})).Return(nil)
	require.NoError(t, tr.syncTopics(ctx))

	assert.Equal(t, map[string]bool{"group:1": true}, tr.joined)
}

func TestSyncTopics_WriteErrorLeavesTopicUnjoined(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	tr := newTestTransport(t, mock)

	tr.Subscribe("room:2", func(gjson.Result) {})
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(errors.New("broken pipe"))

	err := tr.syncTopics(context.Background())
	assert.ErrorContains(t, err, "joining room:2")
	assert.False(t, tr.joined["room:2"])
}

func joinedNow(sub *Subscription) bool {
	select {
	case <-sub.joined:
		return true
	default:
		return false
	}
}

func TestSyncTopics_ReleasesJoinWaiters(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	tr := newTestTransport(t, mock)
	ctx := context.Background()

	first := tr.Subscribe("room:2", func(gjson.Result) {})
	assert.False(t, joinedNow(first))

	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, frameJSON(t, outboundFrame{Op: opJoin, Topic: "room:2"})).Return(nil)
	require.NoError(t, tr.syncTopics(ctx))
	assert.True(t, joinedNow(first))

	// The topic is already joined, so a later subscriber is live at once.
	second := tr.Subscribe("room:2", func(gjson.Result) {})
	assert.True(t, joinedNow(second))

	tr.Unsubscribe(first)
	tr.Unsubscribe(second)
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, frameJSON(t, outboundFrame{Op: opLeave, Topic: "room:2"})).Return(nil)
	require.NoError(t, tr.syncTopics(ctx))

	third := tr.Subscribe("room:2", func(gjson.Result) {})
	assert.False(t, joinedNow(third), "left topics must be joined again")
}

func TestWaitJoined_DisconnectedReturnsAtOnce(t *testing.T) {
	tr := NewTransport(TransportConfig{}, logging.Discard())
	sub := tr.Subscribe("room:1", func(gjson.Result) {})

	start := time.Now()
	assert.False(t, tr.WaitJoined(context.Background(), sub))
	assert.Less(t, time.Since(start), time.Second)

	assert.False(t, tr.WaitJoined(context.Background(), nil))
}

// --- handleInbound ---

func TestHandleInbound_DispatchesInOrderPerTopic(t *testing.T) {
	tr := newTestTransport(t, nil)

	var gotA, gotB []string

	tr.Subscribe("room:1", func(d gjson.Result) { gotA = append(gotA, d.Get("msg_id").String()) })
	tr.Subscribe("room:1", func(d gjson.Result) { gotB = append(gotB, d.Get("msg_id").String()) })
	tr.Subscribe("room:2", func(d gjson.Result) { t.Error("wrong topic delivered") })

	for i := range 3 {
		tr.handleInbound([]byte(fmt.Sprintf(`{"op":"message_event","topic":"room:1","data":{"type":"delete","msg_id":%d}}`, i)))
	}

	assert.Equal(t, []string{"0", "1", "2"}, gotA)
	assert.Equal(t, gotA, gotB)
}

func TestHandleInbound_IgnoresJunk(t *testing.T) {
	m := metrics.New()
	tr := newTestTransport(t, nil)
	tr.metrics = m

	called := false
	tr.Subscribe("room:1", func(gjson.Result) { called = true })

	tr.handleInbound([]byte(`not json`))
	tr.handleInbound([]byte(`{"op":"pong"}`))
	tr.handleInbound([]byte(`{"op":"message_event","data":{}}`))
	tr.handleInbound([]byte(`{"op":"something_else","topic":"room:1"}`))
	tr.handleInbound([]byte(`{"op":"message_event","topic":"room:9","data":{}}`))

	assert.False(t, called)
}

// --- eventLoop ---

func TestTransportEventLoop_SendsPing(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockWSConn(ctrl)
		tr := newTestTransport(t, mock)
		ctx, cancel := context.WithCancel(t.Context())

		tr.touchLastMessage()

		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte(`{"op":"ping"}`)).
			DoAndReturn(func(context.Context, websocket.MessageType, []byte) error {
				cancel()
				return nil
			})

		err := tr.eventLoop(ctx, ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestTransportEventLoop_HeartbeatTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mock := NewMockWSConn(ctrl)
		tr := newTestTransport(t, mock)

		// lastMessage is zero-valued, so the first tick disconnects.
		mock.EXPECT().Close(websocket.StatusGoingAway, "timeout").Return(nil)

		err := tr.eventLoop(t.Context(), t.Context())
		assert.ErrorContains(t, err, "heartbeat timeout")
	})
}

func TestTransportEventLoop_ReadErrorReturns(t *testing.T) {
	tr := newTestTransport(t, nil)
	tr.inboundCh <- inboundMsg{err: errors.New("EOF")}

	err := tr.eventLoop(context.Background(), context.Background())
	assert.ErrorContains(t, err, "reading message")
}

func TestTransportEventLoop_PublishWritesFrame(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	tr := newTestTransport(t, mock)
	tr.touchLastMessage()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	want := []byte(`{"op":"typing","topic":"room:1","data":{"on":true}}`)
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, want).Return(nil)

	done := make(chan error, 1)
	go func() { done <- tr.eventLoop(ctx, ctx) }()

	require.NoError(t, tr.Publish(ctx, "typing", "room:1", map[string]bool{"on": true}))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPublish_ContextCancelledWhileDisconnected(t *testing.T) {
	tr := NewTransport(TransportConfig{}, logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// The op is queued but nothing drains it.
	err := tr.Publish(ctx, "typing", "room:1", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// --- Run against a real websocket server ---

type fakeRealtime struct {
	t      *testing.T
	frames chan string
	conns  chan *websocket.Conn

	mu      sync.Mutex
	auth    []string
	dials   int
	rejects bool
}

func newFakeRealtime(t *testing.T) (*fakeRealtime, *httptest.Server) {
	f := &fakeRealtime{
		t:      t,
		frames: make(chan string, 64),
		conns:  make(chan *websocket.Conn, 8),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.dials++
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		reject := f.rejects
		f.mu.Unlock()

		if reject {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		f.conns <- c

		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}

			f.frames <- string(data)
		}
	}))
	t.Cleanup(srv.Close)

	return f, srv
}

func (f *fakeRealtime) nextConn() *websocket.Conn {
	f.t.Helper()

	select {
	case c := <-f.conns:
		return c
	case <-time.After(5 * time.Second):
		f.t.Fatal("timed out waiting for connection")
		return nil
	}
}

func (f *fakeRealtime) nextFrame() string {
	f.t.Helper()

	for {
		select {
		case fr := <-f.frames:
			if gjson.Get(fr, "op").String() == opPing {
				continue
			}

			return fr
		case <-time.After(5 * time.Second):
			f.t.Fatal("timed out waiting for frame")
			return ""
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRun_JoinsDeliversAndRejoinsAfterReconnect(t *testing.T) {
	fake, srv := newFakeRealtime(t)
	m := metrics.New()

	tr := NewTransport(TransportConfig{
		URL:          wsURL(srv),
		Token:        "secret",
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
		Metrics:      m,
	}, logging.Discard())

	got := make(chan string, 16)
	tr.Subscribe("room:1", func(d gjson.Result) { got <- d.Get("msg_id").String() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- tr.Run(ctx) }()

	conn := fake.nextConn()
	assert.JSONEq(t, `{"op":"join","topic":"room:1"}`, fake.nextFrame())

	for _, id := range []string{"a", "b", "c"} {
		frame := fmt.Sprintf(`{"op":"message_event","topic":"room:1","data":{"type":"delete","msg_id":%q}}`, id)
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
	}

	for _, want := range []string{"a", "b", "c"} {
		select {
		case id := <-got:
			assert.Equal(t, want, id)
		case <-time.After(5 * time.Second):
			t.Fatal("event not delivered")
		}
	}

	require.Eventually(t, tr.Connected, 5*time.Second, 5*time.Millisecond)

	// Drop the connection; the transport must come back and rejoin.
	conn.CloseNow()

	conn = fake.nextConn()
	assert.JSONEq(t, `{"op":"join","topic":"room:1"}`, fake.nextFrame())

	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"op":"message_event","topic":"room:1","data":{"type":"delete","msg_id":"d"}}`)))

	select {
	case id := <-got:
		assert.Equal(t, "d", id)
	case <-time.After(5 * time.Second):
		t.Fatal("event after reconnect not delivered")
	}

	fake.mu.Lock()
	assert.Equal(t, []string{"Bearer secret", "Bearer secret"}, fake.auth)
	fake.mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-runErr, context.Canceled)
}

func TestRun_LeaveOnLastUnsubscribe(t *testing.T) {
	fake, srv := newFakeRealtime(t)

	tr := NewTransport(TransportConfig{URL: wsURL(srv), ReconnectMin: 10 * time.Millisecond}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go tr.Run(ctx) //nolint:errcheck // cancelled below

	fake.nextConn()

	sub := tr.Subscribe("group:3", func(gjson.Result) {})
	assert.JSONEq(t, `{"op":"join","topic":"group:3"}`, fake.nextFrame())

	tr.Unsubscribe(sub)
	assert.JSONEq(t, `{"op":"leave","topic":"group:3"}`, fake.nextFrame())
}

func TestRun_WaitJoinedReturnsAfterJoinWritten(t *testing.T) {
	fake, srv := newFakeRealtime(t)

	tr := NewTransport(TransportConfig{URL: wsURL(srv), ReconnectMin: 10 * time.Millisecond}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go tr.Run(ctx) //nolint:errcheck // cancelled below

	fake.nextConn()
	require.Eventually(t, tr.Connected, 5*time.Second, 5*time.Millisecond)

	sub := tr.Subscribe("room:8", func(gjson.Result) {})
	assert.True(t, tr.WaitJoined(ctx, sub))
	assert.JSONEq(t, `{"op":"join","topic":"room:8"}`, fake.nextFrame())

	again := tr.Subscribe("room:8", func(gjson.Result) {})
	assert.True(t, tr.WaitJoined(ctx, again))
}

func TestRun_AuthRejectedIsPermanent(t *testing.T) {
	fake, srv := newFakeRealtime(t)
	fake.rejects = true

	tr := NewTransport(TransportConfig{URL: wsURL(srv), ReconnectMin: 10 * time.Millisecond}, logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := tr.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errAuthRejected)

	fake.mu.Lock()
	assert.Equal(t, 1, fake.dials)
	fake.mu.Unlock()
}

func TestRun_RetriesFailedDial(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := NewTransport(TransportConfig{
			ReconnectMin: time.Second,
			ReconnectMax: 4 * time.Second,
		}, logging.Discard())

		var (
			mu    sync.Mutex
			dials []time.Time
		)

		ctx, cancel := context.WithCancel(t.Context())

		tr.dial = func(context.Context) (wsConn, error) {
			mu.Lock()
			defer mu.Unlock()

			dials = append(dials, time.Now())
			if len(dials) == 4 {
				cancel()
			}

			return nil, errors.New("connection refused")
		}

		err := tr.Run(ctx)
		assert.ErrorIs(t, err, context.Canceled)

		mu.Lock()
		defer mu.Unlock()

		require.Len(t, dials, 4)

		// Backoff doubles from 1s and is capped at 4s, plus up to 50% jitter.
		gaps := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
		for i, base := range gaps {
			gap := dials[i+1].Sub(dials[i])
			assert.GreaterOrEqual(t, gap, base)
			assert.LessOrEqual(t, gap, base+base/2)
		}
	})
}

func TestTransportClose_NoConn(t *testing.T) {
	tr := NewTransport(TransportConfig{}, logging.Discard())
	assert.NoError(t, tr.Close())
}

func TestTransportClose_WithConn(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	tr := NewTransport(TransportConfig{}, logging.Discard())
	tr.conn = mock

	ctx, cancel := context.WithCancel(context.Background())
	tr.connCancel = cancel

	mock.EXPECT().Close(websocket.StatusNormalClosure, "bye").Return(nil)

	assert.NoError(t, tr.Close())
	assert.Error(t, ctx.Err(), "connCancel should have been called")
}
