package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fraudshield/pkg/events"
	"fraudshield/pkg/logging"
)

// RejectionLedger appends rejected events as JSON lines for forensics.
// Satisfies the sequencer's RejectionSink; writes never block admission
// beyond one buffered file append.
type RejectionLedger struct {
	mu   sync.Mutex
	path string
}

// NewRejectionLedger creates the ledger file's directory if needed.
func NewRejectionLedger(path string) (*RejectionLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &RejectionLedger{path: path}, nil
}

type rejectionLine struct {
	Timestamp string       `json:"ts"`
	Type      string       `json:"type"`
	Reason    string       `json:"reason"`
	Event     events.Event `json:"event"`
}

// RecordRejection appends one rejection line. Errors are logged, not
// propagated: audit loss must not fail the admission path.
func (l *RejectionLedger) RecordRejection(ev events.Event, reason string) {
	line := rejectionLine{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      "event_rejected",
		Reason:    reason,
		Event:     ev,
	}
	payload, err := json.Marshal(line)
	if err != nil {
		logging.Errorf("audit: marshal rejection: %v", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		logging.Errorf("audit: open rejection ledger: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(payload, '\n')); err != nil {
		logging.Errorf("audit: write rejection ledger: %v", err)
	}
}

// Anchor returns the SHA-256 of the ledger file at this instant. Recording
// the anchor externally makes later tampering with the rejection trail
// detectable.
func (l *RejectionLedger) Anchor() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
