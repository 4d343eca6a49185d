package sessionlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/amanullahtanweer/revstream/internal/streaming"
)

// SessionLogger writes structured JSONL session logs to a file.
// It implements streaming.Observer; per-chunk traffic is not journaled.
type SessionLogger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

type logRecord struct {
	Timestamp  string            `json:"ts"`
	Event      string            `json:"event"`
	SessionID  string            `json:"session_id"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	Type       string            `json:"type,omitempty"`
	Text       string            `json:"text,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Start      *float64          `json:"start,omitempty"`
	End        *float64          `json:"end,omitempty"`
	Error      string            `json:"error,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// NewSessionLogger creates a logger under outputDir. Filename is timestamp + session id.
func NewSessionLogger(outputDir, sessionID string, started time.Time) (*SessionLogger, error) {
	if outputDir == "" {
		outputDir = "."
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session log dir: %w", err)
	}
	shortID := sessionID
	if len(sessionID) > 8 {
		shortID = sessionID[:8]
	}
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_session_%s.jsonl", started.Format("20060102_150405"), shortID))
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	return &SessionLogger{file: f, path: filename}, nil
}

// Path returns the file being written.
func (sl *SessionLogger) Path() string { return sl.path }

func (sl *SessionLogger) Close() error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.file != nil {
		err := sl.file.Close()
		sl.file = nil
		return err
	}
	return nil
}

func (sl *SessionLogger) write(rec logRecord) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.file == nil {
		return
	}
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().Format(time.RFC3339Nano)
	}
	rec.Text = strings.TrimSpace(rec.Text)
	_ = json.NewEncoder(sl.file).Encode(rec)
}

func (sl *SessionLogger) LogSessionStart(sessionID string, started time.Time, details map[string]string) {
	sl.write(logRecord{Timestamp: started.Format(time.RFC3339Nano), Event: "session_start", SessionID: sessionID, Details: details})
}

func (sl *SessionLogger) LogSessionEnd(sessionID string, ended time.Time, reason string) {
	sl.write(logRecord{Timestamp: ended.Format(time.RFC3339Nano), Event: "session_end", SessionID: sessionID, Details: map[string]string{"reason": reason}})
}

func (sl *SessionLogger) LogMarker(sessionID, marker string) {
	sl.write(logRecord{Event: "marker", SessionID: sessionID, Text: marker})
}

func (sl *SessionLogger) StateChanged(sessionID string, from, to streaming.State) {
	sl.write(logRecord{Event: "state", SessionID: sessionID, From: from.String(), To: to.String()})
}

func (sl *SessionLogger) ChunkQueued(string, int) {}

func (sl *SessionLogger) ChunkSent(string, int) {}

func (sl *SessionLogger) ChunkRejected(sessionID string, size int) {
	sl.write(logRecord{Event: "chunk_rejected", SessionID: sessionID, Details: map[string]string{"bytes": fmt.Sprint(size)}})
}

func (sl *SessionLogger) ConnectFailed(sessionID string, err error) {
	sl.write(logRecord{Event: "connect_failed", SessionID: sessionID, Error: err.Error()})
}

func (sl *SessionLogger) EventReceived(sessionID string, ev streaming.Event) {
	if ev.Type == streaming.EventConnected {
		sl.write(logRecord{Event: "ready", SessionID: sessionID, Details: map[string]string{"job_id": ev.ID}})
		return
	}
	sl.write(logRecord{
		Event:      "transcript",
		SessionID:  sessionID,
		Type:       ev.Type,
		Text:       ev.Text(),
		Confidence: ev.Confidence(),
		Start:      ev.TS,
		End:        ev.EndTS,
	})
}
