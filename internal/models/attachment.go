package models

// TransferState tracks an attachment through staging and upload.
type TransferState string

const (
	TransferStaged    TransferState = "staged"
	TransferUploading TransferState = "uploading"
	TransferDelivered TransferState = "delivered"
	TransferFailed    TransferState = "failed"
)

// AttachmentDescriptor is a user-picked resource resolved into something
// the upload pipeline can read.
type AttachmentDescriptor struct {
	// SourceURI is the reference the caller handed to the stager.
	SourceURI string `json:"source_uri"`

	// LocalPath is the byte-readable file the pipeline uploads. For
	// indirect references this is the scratch copy.
	LocalPath string `json:"local_path"`

	Name     string        `json:"name"`
	MIMEType string        `json:"mime_type"`
	Size     int64         `json:"size"`
	State    TransferState `json:"state"`

	// Scratch is true when LocalPath is a copy owned by the stager and
	// must be removed once the transfer finishes.
	Scratch bool `json:"scratch,omitempty"`

	// Degraded is true when staging failed and the descriptor points at
	// the original, possibly unreadable, reference.
	Degraded bool `json:"degraded,omitempty"`
}
