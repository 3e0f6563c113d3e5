package e2e_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chatsync/internal/auth"
	"github.com/alexjbarnes/chatsync/internal/chat"
	"github.com/alexjbarnes/chatsync/internal/mcpserver"
	"github.com/alexjbarnes/chatsync/internal/metrics"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/server"
	"github.com/alexjbarnes/chatsync/internal/state"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"
)

const (
	testAPIKey  = "cs_e2e-test-key"
	testToken   = "backend-session-token"
	testAdminID = "a1"
)

// fakeChat is a chat backend serving both the REST API and the realtime
// websocket from one httptest server.
type fakeChat struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	joined   map[string]bool
	auth     []string
	sendBody string
}

func (f *fakeChat) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()

	switch {
	case r.URL.Path == "/ws":
		f.serveWS(w, r)

	case r.Method == http.MethodGet && r.URL.Path == "/rooms/12/messages/user":
		w.Write([]byte(`{"messages":[{"msg_id":1,"messg":"welcome","time":1000,"user_type":"user"}]}`))

	case r.Method == http.MethodPost && r.URL.Path == "/rooms/12/messages":
		io.Copy(io.Discard, r.Body)

		f.mu.Lock()
		body := f.sendBody
		f.mu.Unlock()

		w.Write([]byte(body))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeChat) serveWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	f.mu.Lock()
	f.conn = c
	f.mu.Unlock()

	for {
		_, data, err := c.Read(context.Background())
		if err != nil {
			return
		}

		frame := gjson.ParseBytes(data)

		f.mu.Lock()
		switch frame.Get("op").String() {
		case "join":
			f.joined[frame.Get("topic").String()] = true
		case "leave":
			delete(f.joined, frame.Get("topic").String())
		}
		f.mu.Unlock()
	}
}

func (f *fakeChat) isJoined(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.joined[topic]
}

func (f *fakeChat) setSendBody(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sendBody = body
}

func (f *fakeChat) authHeaders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.auth...)
}

// push publishes a live event on topic.
func (f *fakeChat) push(t *testing.T, topic, data string) {
	t.Helper()

	f.mu.Lock()
	c := f.conn
	f.mu.Unlock()

	require.NotNil(t, c, "no realtime connection")

	frame := fmt.Sprintf(`{"op":"message_event","topic":%q,"data":%s}`, topic, data)
	require.NoError(t, c.Write(t.Context(), websocket.MessageText, []byte(frame)))
}

// harness holds the full e2e test stack: a fake chat backend, the
// synchronization core connected to it, and the API-key protected MCP
// HTTP server in front.
type harness struct {
	URL     string
	Client  *http.Client
	Backend *fakeChat
}

// newHarness wires the coordinator, transport, and MCP tool server via
// server.NewMux and starts both httptest servers.
func newHarness(t *testing.T) *harness {
	t.Helper()

	backend := &fakeChat{joined: make(map[string]bool), sendBody: `{"success":true}`}
	backendSrv := httptest.NewServer(backend)
	t.Cleanup(backendSrv.Close)

	logger := slog.New(slog.DiscardHandler)
	m := metrics.New()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	client := chat.NewClient(chat.ClientConfig{BaseURL: backendSrv.URL, Token: testToken}, logger)

	transport := chat.NewTransport(chat.TransportConfig{
		URL:          "ws" + strings.TrimPrefix(backendSrv.URL, "http") + "/ws",
		Token:        testToken,
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 100 * time.Millisecond,
		Metrics:      m,
	}, logger)

	coord := chat.NewCoordinator(chat.CoordinatorConfig{
		Client:   client,
		Events:   transport,
		Stager:   chat.NewStager(chat.StagerConfig{ScratchDir: filepath.Join(t.TempDir(), "scratch")}, logger),
		Uploader: chat.NewUploader(client, m, logger),
		State:    st,
		Metrics:  m,
		Role:     models.SenderAdmin,
		AdminID:  testAdminID,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		transport.Run(ctx)
	}()

	t.Cleanup(func() {
		coord.CloseAll()
		cancel()
		<-runDone
	})

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chatsync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, coord)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	verifier, err := auth.NewKeyVerifier(string(hash))
	require.NoError(t, err)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Verifier:   verifier,
		MCPHandler: mcpHandler,
		Metrics:    m,
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		URL:     ts.URL,
		Client:  ts.Client(),
		Backend: backend,
	}
}

// mcpSession creates an MCP client session authenticated with the given
// API key. Uses the MCP SDK's StreamableClientTransport with a custom
// HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	session, err := h.connect(t, key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

func (h *harness) connect(t *testing.T, key string) (*mcp.ClientSession, error) {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	return client.Connect(t.Context(), transport, nil)
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, path string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), "GET", h.URL+path, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// callTool calls a tool and returns its first text content.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	return extractTextContent(t, result), result.IsError
}

func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "tool result has no content")

	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}

	t.Fatal("no TextContent found in tool result")

	return ""
}
