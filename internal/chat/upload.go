package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/metrics"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/tidwall/gjson"
)

// uploadFileField is the multipart field the backend reads the file from.
const uploadFileField = "file"

// Progress is called as the file part is written. total is the staged
// size, or zero when unknown.
type Progress func(sent, total int64)

// Uploader delivers staged attachments as one multipart request each.
// It never retries; the caller decides whether to resubmit.
type Uploader struct {
	client  *Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewUploader creates an Uploader that posts through client.
func NewUploader(client *Client, m *metrics.Metrics, logger *slog.Logger) *Uploader {
	return &Uploader{client: client, metrics: m, logger: logger}
}

// Send uploads desc with an optional caption to the conversation and
// returns the created message when the backend echoes it. desc.State is
// advanced to uploading and then delivered or failed. Every error wraps
// ErrUploadFailed; a 2xx response whose body is not the expected JSON
// envelope additionally wraps ErrMalformedResponse, and a refusal wraps
// ErrRejected.
func (u *Uploader) Send(ctx context.Context, desc *models.AttachmentDescriptor, caption string, ref models.ConversationRef, sender string, progress Progress) (msg *models.Message, err error) {
	desc.State = models.TransferUploading

	defer func() {
		if err != nil {
			desc.State = models.TransferFailed
			u.metrics.UploadFinished(string(models.TransferFailed))
			u.logger.Warn("upload failed",
				slog.String("conversation", ref.String()),
				slog.String("file", desc.Name),
				slog.Bool("degraded", desc.Degraded),
				slog.String("error", err.Error()),
			)

			return
		}

		desc.State = models.TransferDelivered
		u.metrics.UploadFinished(string(models.TransferDelivered))
	}()

	f, size, err := openStaged(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chaterrors.ErrUploadFailed, err)
	}
	defer f.Close()

	if size > 0 {
		desc.Size = size
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	userID, userType := u.client.authorFields(ref, sender)

	writeDone := make(chan error, 1)

	go func() {
		werr := u.writeBody(mw, f, desc, userID, userType, caption, progress)
		if werr == nil {
			werr = mw.Close()
		}

		pw.CloseWithError(werr)
		writeDone <- werr
	}()

	status, body, rtErr := u.client.roundTrip(ctx, http.MethodPost, sendPath(ref), mw.FormDataContentType(), pr)

	// Unblock the writer if the request ended before the body was drained.
	pr.CloseWithError(io.ErrClosedPipe)
	writeErr := <-writeDone

	if writeErr != nil && !errors.Is(writeErr, io.ErrClosedPipe) {
		return nil, fmt.Errorf("%w: writing request body: %w", chaterrors.ErrUploadFailed, writeErr)
	}

	if rtErr != nil {
		return nil, fmt.Errorf("%w: %w", chaterrors.ErrUploadFailed, rtErr)
	}

	if !isSuccessStatus(status) {
		return nil, fmt.Errorf("%w: %w: status %d: %s", chaterrors.ErrUploadFailed, chaterrors.ErrRejected, status, uploadErrorText(body))
	}

	msg, err = decodeSendResult(ref, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chaterrors.ErrUploadFailed, err)
	}

	u.logger.Info("attachment delivered",
		slog.String("conversation", ref.String()),
		slog.String("file", desc.Name),
		slog.Int64("bytes", desc.Size),
	)

	return msg, nil
}

// openStaged opens the descriptor's local file and rejects empty files,
// so a degraded reference that cannot be read never goes out as an
// empty part.
func openStaged(desc *models.AttachmentDescriptor) (*os.File, int64, error) {
	if desc.LocalPath == "" {
		return nil, 0, errors.New("attachment has no local path")
	}

	f, err := os.Open(desc.LocalPath)
	if err != nil {
		return nil, 0, fmt.Errorf("opening attachment: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat attachment: %w", err)
	}

	if !info.Mode().IsRegular() || info.Size() == 0 {
		f.Close()
		return nil, 0, fmt.Errorf("attachment %s is empty or not a regular file", desc.Name)
	}

	return f, info.Size(), nil
}

func (u *Uploader) writeBody(mw *multipart.Writer, src io.Reader, desc *models.AttachmentDescriptor, userID, userType, caption string, progress Progress) error {
	if err := writeFields(mw, userID, userType, caption); err != nil {
		return err
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		uploadFileField, escapeQuotes(desc.Name)))
	h.Set("Content-Type", desc.MIMEType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating file part: %w", err)
	}

	pw := &progressWriter{w: part, total: desc.Size, fn: progress}

	n, err := io.Copy(pw, src)
	u.metrics.UploadBytes(int(n))

	if err != nil {
		return fmt.Errorf("copying attachment: %w", err)
	}

	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// uploadErrorText returns the server's error message for a refused
// upload, falling back to the sanitized body.
func uploadErrorText(body []byte) string {
	if gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		if root.IsObject() {
			return envelopeError(root)
		}
	}

	return sanitizeResponseBody(body)
}

type progressWriter struct {
	w     io.Writer
	sent  int64
	total int64
	fn    Progress
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.sent += int64(n)

	if p.fn != nil && n > 0 {
		p.fn(p.sent, p.total)
	}

	return n, err
}
