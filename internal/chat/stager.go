package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"golang.org/x/text/unicode/norm"
)

const (
	// scratchDirPerm keeps staged copies private to the user.
	scratchDirPerm = fs.FileMode(0o700)

	// maxStageBytes caps a single staged attachment.
	maxStageBytes = 200 * 1024 * 1024

	// maxNameBytes caps the resolved display name.
	maxNameBytes = 200
)

// Resolver opens platform references that are not byte-readable paths,
// such as content:// handles. The stager copies whatever it returns.
type Resolver interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ref string) (io.ReadCloser, error)

func (f ResolverFunc) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	return f(ctx, ref)
}

// StagingError reports a reference that could not be made uploadable.
// Fallback describes the original reference, marked Degraded, for callers
// that choose to attempt the upload anyway.
type StagingError struct {
	Source   string
	Err      error
	Fallback models.AttachmentDescriptor
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging %s: %v", e.Source, e.Err)
}

func (e *StagingError) Unwrap() []error {
	return []error{chaterrors.ErrStagingFailed, e.Err}
}

// StagerConfig holds the parameters for NewStager.
type StagerConfig struct {
	// ScratchDir receives copies of indirect references.
	ScratchDir string

	// Resolver handles content:// and other platform schemes. When nil
	// such references fail to stage.
	Resolver Resolver

	// HTTPClient downloads http(s) references. Defaults to the REST
	// client's settings.
	HTTPClient *http.Client
}

// Stager turns a user-picked reference into a readable local file.
type Stager struct {
	scratchDir string
	resolver   Resolver
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewStager creates a Stager.
func NewStager(cfg StagerConfig, logger *slog.Logger) *Stager {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	scratch := cfg.ScratchDir
	if scratch == "" {
		scratch = filepath.Join(os.TempDir(), "chatsync")
	}

	return &Stager{
		scratchDir: scratch,
		resolver:   cfg.Resolver,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

type refKind int

const (
	refDirect refKind = iota
	refResolver
	refHTTP
)

// classify splits a reference into its kind and, for direct references,
// the local path.
func classify(ref string) (refKind, string, error) {
	scheme, _, ok := strings.Cut(ref, "://")
	if !ok || scheme == "" || strings.ContainsAny(scheme, `/\`) {
		return refDirect, ref, nil
	}

	switch strings.ToLower(scheme) {
	case "file":
		u, err := url.Parse(ref)
		if err != nil {
			return refDirect, "", fmt.Errorf("parsing file reference: %w", err)
		}

		return refDirect, u.Path, nil
	case "http", "https":
		return refHTTP, "", nil
	}

	return refResolver, "", nil
}

// Stage resolves ref into a descriptor in the staged state. Direct
// references (paths and file:// URLs) are used in place; anything else is
// copied into the scratch directory first. On failure the returned error
// is a *StagingError.
func (s *Stager) Stage(ctx context.Context, ref, suggestedName, mimeHint string) (models.AttachmentDescriptor, error) {
	name := s.resolveName(ref, suggestedName)
	desc := models.AttachmentDescriptor{
		SourceURI: ref,
		Name:      name,
		MIMEType:  resolveMIMEType(name, mimeHint),
		State:     models.TransferStaged,
	}

	fail := func(err error) (models.AttachmentDescriptor, error) {
		fallback := desc
		fallback.LocalPath = ref
		fallback.Degraded = true

		return models.AttachmentDescriptor{}, &StagingError{Source: ref, Err: err, Fallback: fallback}
	}

	if strings.TrimSpace(ref) == "" {
		return fail(errors.New("empty reference"))
	}

	kind, localPath, err := classify(ref)
	if err != nil {
		return fail(err)
	}

	if kind == refDirect {
		size, err := checkReadable(localPath)
		if err != nil {
			return fail(err)
		}

		desc.LocalPath = localPath
		desc.Size = size

		return desc, nil
	}

	var src io.ReadCloser

	if kind == refHTTP {
		src, err = s.download(ctx, ref)
	} else {
		src, err = s.openResolved(ctx, ref)
	}

	if err != nil {
		return fail(err)
	}
	defer src.Close()

	localPath, size, err := s.copyToScratch(src, name)
	if err != nil {
		return fail(err)
	}

	desc.LocalPath = localPath
	desc.Size = size
	desc.Scratch = true

	s.logger.Debug("staged attachment",
		slog.String("source", ref),
		slog.String("path", localPath),
		slog.Int64("bytes", size),
	)

	return desc, nil
}

func (s *Stager) openResolved(ctx context.Context, ref string) (io.ReadCloser, error) {
	if s.resolver == nil {
		return nil, fmt.Errorf("no resolver for %q", ref)
	}

	rc, err := s.resolver.Open(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolving reference: %w", err)
	}

	return rc, nil
}

func (s *Stager) download(ctx context.Context, ref string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading reference: %w", err)
	}

	if !isSuccessStatus(resp.StatusCode) {
		resp.Body.Close()
		return nil, fmt.Errorf("downloading reference: status %d", resp.StatusCode)
	}

	return resp.Body, nil
}

// copyToScratch writes src into a fresh directory under the scratch dir,
// keeping the display name as the file name. Partial copies are removed.
func (s *Stager) copyToScratch(src io.Reader, name string) (string, int64, error) {
	if err := os.MkdirAll(s.scratchDir, scratchDirPerm); err != nil {
		return "", 0, fmt.Errorf("creating scratch dir: %w", err)
	}

	dir, err := os.MkdirTemp(s.scratchDir, "stage-")
	if err != nil {
		return "", 0, fmt.Errorf("creating staging dir: %w", err)
	}

	dst := filepath.Join(dir, name)

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		os.RemoveAll(dir)
		return "", 0, fmt.Errorf("creating staged file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(src, maxStageBytes+1))
	closeErr := f.Close()

	switch {
	case err != nil:
		err = fmt.Errorf("copying reference: %w", err)
	case closeErr != nil:
		err = fmt.Errorf("closing staged file: %w", closeErr)
	case n == 0:
		err = errors.New("reference produced no bytes")
	case n > maxStageBytes:
		err = fmt.Errorf("reference exceeds %d bytes", maxStageBytes)
	}

	if err != nil {
		os.RemoveAll(dir)
		return "", 0, err
	}

	return dst, n, nil
}

// Release removes the scratch copy behind a descriptor. Direct
// references are never touched.
func (s *Stager) Release(desc models.AttachmentDescriptor) {
	if !desc.Scratch || desc.LocalPath == "" {
		return
	}

	dir := filepath.Dir(desc.LocalPath)

	rel, err := filepath.Rel(s.scratchDir, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		s.logger.Warn("refusing to release path outside scratch dir", slog.String("path", desc.LocalPath))
		return
	}

	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("releasing staged attachment",
			slog.String("path", desc.LocalPath),
			slog.String("error", err.Error()),
		)
	}
}

// checkReadable confirms path is a non-empty regular file we can open.
func checkReadable(p string) (int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}

	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", p)
	}

	if info.Size() == 0 {
		return 0, fmt.Errorf("%s is empty", p)
	}

	if info.Size() > maxStageBytes {
		return 0, fmt.Errorf("%s exceeds %d bytes", p, maxStageBytes)
	}

	return info.Size(), nil
}

// resolveName picks the display name: the suggestion, else the last
// segment of the reference, else document-<millis>. The result is NFC
// normalized and safe to use as a file name.
func (s *Stager) resolveName(ref, suggested string) string {
	if name := sanitizeName(suggested); name != "" {
		return name
	}

	if name := sanitizeName(lastSegment(ref)); name != "" {
		return name
	}

	return "document-" + strconv.FormatInt(s.now().UnixMilli(), 10)
}

func lastSegment(ref string) string {
	var base string

	if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
		base = path.Base(u.Path)
	} else {
		base = filepath.Base(ref)
	}

	if base == "/" || base == "." {
		return ""
	}

	return base
}

func sanitizeName(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case r < 0x20 || r == 0x7f:
			return -1
		}

		return r
	}, name)

	if name == "." || name == ".." || name == "/" {
		return ""
	}

	if len(name) > maxNameBytes {
		ext := path.Ext(name)
		if len(ext) >= maxNameBytes {
			ext = ""
		}

		name = truncateUTF8(name[:len(name)-len(ext)], maxNameBytes-len(ext)) + ext
	}

	return name
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}

	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}

	return s[:n]
}
