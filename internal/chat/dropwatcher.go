package chat

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/fsnotify/fsnotify"
)

const (
	// dropDirPerm is the permission mode for the drop directory when
	// ensuring it exists before starting the watcher.
	dropDirPerm = fs.FileMode(0o755)

	// dropDebounceInterval is how often the watcher checks for files
	// whose writes have settled.
	dropDebounceInterval = 500 * time.Millisecond

	// dropSettleTime is how long a file must go without events before
	// it is considered complete.
	dropSettleTime = 300 * time.Millisecond

	// sentDirName receives files after a successful upload. Hidden, so
	// the watcher ignores it.
	sentDirName = ".sent"
)

// attachmentSender is the subset of Coordinator that DropWatcher needs.
// Extracted for testability.
type attachmentSender interface {
	IsOpen(ref models.ConversationRef) bool
	SendAttachment(ctx context.Context, ref models.ConversationRef, sourceRef, name, mimeHint, caption string, progress Progress) (AttachmentResult, error)
}

// DropWatcher uploads files placed in per-conversation folders of a drop
// directory. A file written to <dir>/room-12/report.pdf is sent to room
// 12 and then moved to <dir>/room-12/.sent/.
type DropWatcher struct {
	dir     string
	sender  attachmentSender
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	// queued holds files for conversations that were not open when the
	// file settled. Retried on every tick.
	queued map[string]models.ConversationRef
}

// NewDropWatcher creates a watcher for dir that sends through coord.
func NewDropWatcher(dir string, coord *Coordinator, logger *slog.Logger) *DropWatcher {
	return newDropWatcher(dir, coord, logger)
}

func newDropWatcher(dir string, sender attachmentSender, logger *slog.Logger) *DropWatcher {
	return &DropWatcher{
		dir:    dir,
		sender: sender,
		logger: logger,
		queued: make(map[string]models.ConversationRef),
	}
}

// Watch blocks until ctx is cancelled. Files already present in
// conversation folders at startup are sent as well.
func (w *DropWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, dropDirPerm); err != nil {
		return fmt.Errorf("creating drop dir: %w", err)
	}

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching drop dir: %w", err)
	}

	// Debounce: wait for writes to settle before uploading.
	pending := make(map[string]time.Time)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading drop dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			w.addConversationDir(filepath.Join(w.dir, e.Name()), pending)
		}
	}

	w.logger.Info("drop watcher started", slog.String("dir", w.dir))

	ticker := time.NewTicker(dropDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if shouldIgnoreDrop(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				// Use Lstat so symlinks are never followed out of the
				// drop directory.
				info, err := os.Lstat(event.Name)
				if err != nil {
					continue
				}

				switch {
				case info.IsDir() && filepath.Dir(event.Name) == w.dir:
					w.addConversationDir(event.Name, pending)
				case info.Mode().IsRegular():
					pending[event.Name] = time.Now()
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
				delete(w.queued, event.Name)
				_ = watcher.Remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			w.drainQueue(ctx)

			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < dropSettleTime {
					continue
				}

				delete(pending, path)
				w.handleFile(ctx, path)
			}
		}
	}
}

// addConversationDir watches a conversation folder and queues the files
// it already holds. Folders whose name is not a conversation are skipped.
func (w *DropWatcher) addConversationDir(dir string, pending map[string]time.Time) {
	if shouldIgnoreDrop(dir) {
		return
	}

	if _, err := models.ParseConversationRef(filepath.Base(dir)); err != nil {
		w.logger.Debug("ignoring folder that is not a conversation", slog.String("dir", dir))
		return
	}

	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("watching conversation folder", slog.String("dir", dir), slog.String("error", err.Error()))
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, e := range entries {
		if e.Type().IsRegular() && !shouldIgnoreDrop(e.Name()) {
			pending[filepath.Join(dir, e.Name())] = time.Now()
		}
	}
}

// conversationFor maps a file path to the conversation named by its
// parent folder.
func (w *DropWatcher) conversationFor(absPath string) (models.ConversationRef, bool) {
	parent := filepath.Dir(absPath)
	if filepath.Dir(parent) != w.dir {
		return models.ConversationRef{}, false
	}

	ref, err := models.ParseConversationRef(filepath.Base(parent))
	if err != nil {
		return models.ConversationRef{}, false
	}

	return ref, true
}

func (w *DropWatcher) handleFile(ctx context.Context, absPath string) {
	ref, ok := w.conversationFor(absPath)
	if !ok {
		w.logger.Debug("ignoring file outside a conversation folder", slog.String("path", absPath))
		return
	}

	if !w.sender.IsOpen(ref) {
		w.queued[absPath] = ref
		w.logger.Debug("queued drop (conversation not open)",
			slog.String("path", absPath),
			slog.String("conversation", ref.String()),
		)

		return
	}

	if _, err := os.Lstat(absPath); err != nil {
		return
	}

	res, err := w.sender.SendAttachment(ctx, ref, absPath, "", "", "", nil)
	if err != nil {
		// The file stays in place so the outbox entry can be retried.
		w.logger.Warn("sending dropped file failed",
			slog.String("path", absPath),
			slog.String("conversation", ref.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	w.logger.Info("dropped file sent",
		slog.String("path", absPath),
		slog.String("conversation", ref.String()),
		slog.String("id", res.Message.ID),
	)

	w.archive(absPath)
}

// archive moves a sent file into the folder's .sent directory.
func (w *DropWatcher) archive(absPath string) {
	sentDir := filepath.Join(filepath.Dir(absPath), sentDirName)
	if err := os.MkdirAll(sentDir, dropDirPerm); err != nil {
		w.logger.Warn("creating sent dir", slog.String("error", err.Error()))
		return
	}

	dst := filepath.Join(sentDir, time.Now().UTC().Format("20060102T150405.000")+"-"+filepath.Base(absPath))
	if err := os.Rename(absPath, dst); err != nil {
		w.logger.Warn("archiving sent file", slog.String("path", absPath), slog.String("error", err.Error()))
	}
}

// drainQueue retries files whose conversation has since been opened.
func (w *DropWatcher) drainQueue(ctx context.Context) {
	if len(w.queued) == 0 {
		return
	}

	// Snapshot keys; handleFile may re-queue.
	paths := make([]string, 0, len(w.queued))
	for p, ref := range w.queued {
		if w.sender.IsOpen(ref) {
			paths = append(paths, p)
		}
	}

	for _, p := range paths {
		delete(w.queued, p)
		w.handleFile(ctx, p)
	}
}

func shouldIgnoreDrop(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}

	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".part") || strings.HasSuffix(base, ".crdownload") {
		return true
	}

	return false
}
