package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chatsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket    = []byte("app")
	outboxBucket = []byte("outbox")
	sessionKey   = []byte("session")
)

// Session is the signed-in admin. Token is attached as a bearer
// credential to outbound requests when non-empty.
type Session struct {
	AdminID string `json:"id"`
	Token   string `json:"token"`
}

// OutboxEntry is a send that failed and can be retried. The local id is
// the placeholder identity the draft had in the timeline, so a retry
// reuses it instead of creating a second draft.
type OutboxEntry struct {
	LocalID      string                 `json:"local_id"`
	Conversation models.ConversationRef `json:"conversation"`
	Sender       string                 `json:"sender"`
	Body         string                 `json:"body"`

	// Attachment fields are empty for text sends.
	SourceURI string `json:"source_uri,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	MIMEType  string `json:"mime_type,omitempty"`

	CreatedAt int64  `json:"created_at"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`

	// Unconfirmed is set when the backend accepted the request but its
	// answer was unreadable, so the message may already be stored.
	Unconfirmed bool `json:"unconfirmed,omitempty"`
}

// HasAttachment reports whether the entry was an attachment send.
func (e OutboxEntry) HasAttachment() bool {
	return e.SourceURI != ""
}

// Draft rebuilds the optimistic message the entry was recorded from.
func (e OutboxEntry) Draft() models.Message {
	m := models.Message{
		ID:           e.LocalID,
		Conversation: e.Conversation,
		Sender:       e.Sender,
		Body:         e.Body,
		Time:         e.CreatedAt,
		Pending:      true,
	}

	if e.FileName != "" {
		m.Attachment = &models.Attachment{Name: e.FileName}
	}

	return m
}

// State wraps a bbolt database for all persistent client state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(outboxBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Session returns the stored session, or ErrNoSession.
func (s *State) Session() (Session, error) {
	var (
		sess  Session
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(sessionKey)
		if v == nil {
			return nil
		}

		found = true

		return json.Unmarshal(v, &sess)
	})
	if err != nil {
		return Session{}, fmt.Errorf("reading session: %w", err)
	}

	if !found {
		return Session{}, chaterrors.ErrNoSession
	}

	return sess, nil
}

// SetSession persists the session, replacing any previous one.
func (s *State) SetSession(sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(sessionKey, data)
	})
}

// ClearSession removes the stored session. Clearing an absent session is
// not an error.
func (s *State) ClearSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(sessionKey)
	})
}

// PutOutbox stores or replaces an outbox entry keyed by its local id.
func (s *State) PutOutbox(e OutboxEntry) error {
	if e.LocalID == "" {
		return fmt.Errorf("outbox entry has no local id")
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).Put([]byte(e.LocalID), data)
	})
}

// GetOutbox returns the entry for localID, or nil if not found.
func (s *State) GetOutbox(localID string) (*OutboxEntry, error) {
	var e *OutboxEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(outboxBucket).Get([]byte(localID))
		if v == nil {
			return nil
		}

		e = &OutboxEntry{}

		return json.Unmarshal(v, e)
	})

	return e, err
}

// TakeOutbox removes and returns the entry for localID in one
// transaction, so two concurrent retries cannot both submit it.
// Returns ErrDraftNotFound when absent.
func (s *State) TakeOutbox(localID string) (OutboxEntry, error) {
	var e OutboxEntry

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboxBucket)

		v := b.Get([]byte(localID))
		if v == nil {
			return chaterrors.ErrDraftNotFound
		}

		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}

		return b.Delete([]byte(localID))
	})

	return e, err
}

// DeleteOutbox removes an entry. Deleting an absent entry is not an error.
func (s *State) DeleteOutbox(localID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).Delete([]byte(localID))
	})
}

// ListOutbox returns the entries for one conversation, oldest first. A
// zero ref returns every entry.
func (s *State) ListOutbox(ref models.ConversationRef) ([]OutboxEntry, error) {
	var entries []OutboxEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).ForEach(func(_, v []byte) error {
			var e OutboxEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			if ref.ID == "" || e.Conversation == ref {
				entries = append(entries, e)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt < entries[j].CreatedAt
	})

	return entries, nil
}
