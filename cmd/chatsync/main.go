package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/chatsync/internal/auth"
	"github.com/alexjbarnes/chatsync/internal/chat"
	"github.com/alexjbarnes/chatsync/internal/config"
	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/alexjbarnes/chatsync/internal/mcpserver"
	"github.com/alexjbarnes/chatsync/internal/metrics"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/server"
	"github.com/alexjbarnes/chatsync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var Version = "dev"

func main() {
	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error

	switch cmd {
	case "run":
		err = run()
	case "history":
		err = history(os.Args[2:])
	case "logout":
		err = logout()
	case "hash-key":
		err = hashKey()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want run, history, logout, hash-key)\n", cmd)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashKey prints the bcrypt hash for MCP_API_KEY_HASH. An empty input
// generates a new key, printed to stderr so only the hash goes to stdout.
func hashKey() error {
	fmt.Fprint(os.Stderr, "Enter API key (empty to generate one): ")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()

	key := strings.TrimSpace(scanner.Text())
	if key == "" {
		generated, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}

		key = generated
		fmt.Fprintf(os.Stderr, "\nAPI key: %s\n", key)
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return err
	}

	fmt.Println(hash)

	return nil
}

func openState(cfg *config.Config) (*state.State, error) {
	path, err := cfg.ResolveStatePath()
	if err != nil {
		return nil, err
	}

	st, err := state.LoadAt(path)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	return st, nil
}

// logout forgets the stored session.
func logout() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := openState(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ClearSession(); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	fmt.Fprintln(os.Stderr, "session cleared")

	return nil
}

// resolveSession returns the session to use. Credentials from the
// environment replace the stored session; otherwise the stored one is
// used. No session at all is allowed for backends without auth.
func resolveSession(cfg *config.Config, st *state.State, logger *slog.Logger) (state.Session, error) {
	if cfg.Token != "" || cfg.AdminID != "" {
		sess := state.Session{AdminID: cfg.AdminID, Token: cfg.Token}
		if err := st.SetSession(sess); err != nil {
			return state.Session{}, fmt.Errorf("saving session: %w", err)
		}

		logger.Info("session stored", slog.String("admin_id", sess.AdminID))

		return sess, nil
	}

	sess, err := st.Session()
	if errors.Is(err, chaterrors.ErrNoSession) {
		logger.Warn("no session configured, requests are unauthenticated")
		return state.Session{}, nil
	}

	if err != nil {
		return state.Session{}, err
	}

	logger.Debug("using stored session", slog.String("admin_id", sess.AdminID))

	return sess, nil
}

// historyEntry is the YAML shape printed by the history command.
type historyEntry struct {
	ID         string `yaml:"id"`
	Sender     string `yaml:"sender"`
	Time       string `yaml:"time"`
	Body       string `yaml:"body,omitempty"`
	Attachment string `yaml:"attachment,omitempty"`
	Image      bool   `yaml:"image,omitempty"`
	Read       bool   `yaml:"read"`
}

// history prints a conversation's messages, newest first, as YAML.
func history(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "maximum number of messages to print (0 for all)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: chatsync history [-limit N] room:<id>|group:<id>")
	}

	ref, err := models.ParseConversationRef(fs.Arg(0))
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	st, err := openState(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := resolveSession(cfg, st, logger)
	if err != nil {
		return err
	}

	client := chat.NewClient(chat.ClientConfig{
		BaseURL: cfg.APIBase,
		Token:   sess.Token,
		Role:    cfg.SenderRole,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	msgs, err := client.Snapshot(ctx, ref)
	if err != nil {
		return err
	}

	timeline := chat.NewTimeline(ref, cfg.ReconcileWindow, logger)
	timeline.Seed(msgs)
	msgs = timeline.Snapshot()

	if *limit > 0 && len(msgs) > *limit {
		msgs = msgs[:*limit]
	}

	entries := make([]historyEntry, 0, len(msgs))
	for _, m := range msgs {
		e := historyEntry{
			ID:     m.ID,
			Sender: m.Sender,
			Time:   time.UnixMilli(m.Time).UTC().Format(time.RFC3339),
			Body:   m.Body,
			Read:   m.Read,
		}

		if m.Attachment != nil {
			e.Attachment = m.Attachment.Link
			if e.Attachment == "" {
				e.Attachment = m.Attachment.Name
			}

			e.Image = models.IsImage(m.Attachment.Name) || models.IsImage(m.Attachment.Link)
		}

		entries = append(entries, e)
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)

	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("writing history: %w", err)
	}

	return enc.Close()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chatsync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIBase),
		slog.Bool("mcp", cfg.MCPEnabled),
		slog.Bool("drop", cfg.DropDir != ""),
	)

	st, err := openState(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := resolveSession(cfg, st, logger)
	if err != nil {
		return err
	}

	m := metrics.New()

	client := chat.NewClient(chat.ClientConfig{
		BaseURL: cfg.APIBase,
		Token:   sess.Token,
		Role:    cfg.SenderRole,
	}, logger)

	transport := chat.NewTransport(chat.TransportConfig{
		URL:          cfg.WSURL,
		Token:        sess.Token,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		Metrics:      m,
	}, logger.With(slog.String("service", "transport")))
	defer transport.Close()

	coord := chat.NewCoordinator(chat.CoordinatorConfig{
		Client:              client,
		Events:              transport,
		Stager:              chat.NewStager(chat.StagerConfig{ScratchDir: cfg.ScratchDir}, logger),
		Uploader:            chat.NewUploader(client, m, logger),
		State:               st,
		Metrics:             m,
		Role:                cfg.SenderRole,
		AdminID:             sess.AdminID,
		ReconcileWindow:     cfg.ReconcileWindow,
		AllowDegradedUpload: cfg.AllowDegradedUpload,
	}, logger)
	defer coord.CloseAll()

	refs, err := cfg.ParseConversations()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return transport.Run(gctx)
	})

	// A conversation that fails to open stays closed; the others proceed.
	for _, ref := range refs {
		if err := coord.Open(gctx, ref); err != nil {
			logger.Warn("opening conversation failed",
				slog.String("conversation", ref.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	g.Go(func() error {
		logChanges(gctx, coord, logger)
		return nil
	})

	if cfg.DropDir != "" {
		watcher := chat.NewDropWatcher(cfg.DropDir, coord, logger.With(slog.String("service", "drop")))
		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	if cfg.MCPEnabled {
		g.Go(func() error {
			return runMCP(gctx, cfg, coord, m, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// logChanges drains the coordinator's change notifications.
func logChanges(ctx context.Context, coord *chat.Coordinator, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ref := <-coord.Changes():
			msgs, err := coord.Snapshot(ref)
			if err != nil {
				continue
			}

			logger.Debug("timeline changed",
				slog.String("conversation", ref.String()),
				slog.Int("messages", len(msgs)),
			)
		}
	}
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, coord *chat.Coordinator, m *metrics.Metrics, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	verifier, err := auth.NewKeyVerifier(cfg.MCPAPIKeyHash)
	if err != nil {
		return err
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chatsync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, coord)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	httpServer := &http.Server{
		Addr: cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Verifier:   verifier,
			MCPHandler: mcpHandler,
			Metrics:    m,
			Logger:     mcpLogger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
