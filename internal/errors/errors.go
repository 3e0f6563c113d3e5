package errors

import "errors"

// Request errors.
var (
	ErrFetchFailed       = errors.New("request to chat backend failed")
	ErrMalformedResponse = errors.New("malformed response from chat backend")
	ErrRejected          = errors.New("request rejected by chat backend")
)

// Attachment errors.
var (
	ErrStagingFailed = errors.New("attachment could not be staged")
	ErrUploadFailed  = errors.New("attachment upload failed")
)

// Timeline and session errors.
var (
	ErrEventDropped  = errors.New("live event dropped")
	ErrNotOpen       = errors.New("conversation is not open")
	ErrNoSession     = errors.New("no stored session")
	ErrDraftNotFound = errors.New("outbox entry not found")
)
