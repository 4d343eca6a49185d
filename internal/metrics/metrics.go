package metrics

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/amanullahtanweer/revstream/internal/streaming"
)

// DefaultBytesPerSecond is 8kHz 16-bit mono, the AudioSocket format.
const DefaultBytesPerSecond = 8000 * 2

// SessionMetrics accumulates the numbers of one session. It implements
// streaming.Observer.
type SessionMetrics struct {
	SessionID        string
	StartTime        time.Time
	EndTime          time.Time
	BytesPerSecond   int
	AudioBytes       int
	ChunksSent       int
	ChunksRejected   int
	Reconnects       int
	ConnectFailures  int
	TranscriptLength int
	PartialCount     int
	FinalCount       int
	FirstResultTime  *time.Time
	LastState        streaming.State
	mu               sync.Mutex
}

func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		SessionID:      sessionID,
		StartTime:      time.Now(),
		BytesPerSecond: DefaultBytesPerSecond,
	}
}

func (m *SessionMetrics) AddAudioBytes(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AudioBytes += bytes
	m.ChunksSent++
}

func (m *SessionMetrics) AddTranscriptResult(text string, isFinal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FirstResultTime == nil {
		now := time.Now()
		m.FirstResultTime = &now
	}

	if isFinal {
		m.TranscriptLength += len(text)
		m.FinalCount++
	} else {
		m.PartialCount++
	}
}

func (m *SessionMetrics) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EndTime.IsZero() {
		m.EndTime = time.Now()
	}
}

func (m *SessionMetrics) StateChanged(_ string, from, to streaming.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastState = to
	if from == streaming.StateDisconnected && to == streaming.StateConnecting {
		m.Reconnects++
	}
}

func (m *SessionMetrics) ChunkQueued(string, int) {}

func (m *SessionMetrics) ChunkRejected(string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChunksRejected++
}

func (m *SessionMetrics) ChunkSent(_ string, size int) {
	m.AddAudioBytes(size)
}

func (m *SessionMetrics) ConnectFailed(string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectFailures++
}

func (m *SessionMetrics) EventReceived(_ string, ev streaming.Event) {
	switch ev.Type {
	case streaming.EventPartial, streaming.EventFinal:
		m.AddTranscriptResult(ev.Text(), ev.IsFinal())
	}
}

// Rows returns the summary as label/value pairs, for tabular output.
func (m *SessionMetrics) Rows() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := m.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	duration := end.Sub(m.StartTime)

	var latency time.Duration
	if m.FirstResultTime != nil {
		latency = m.FirstResultTime.Sub(m.StartTime)
	}

	bps := m.BytesPerSecond
	if bps <= 0 {
		bps = DefaultBytesPerSecond
	}
	audioDuration := float64(m.AudioBytes) / float64(bps)
	var rtf float64
	if audioDuration > 0 {
		rtf = duration.Seconds() / audioDuration
	}

	return [][]string{
		{"Session", m.SessionID},
		{"State", m.LastState.String()},
		{"Duration", duration.Round(time.Millisecond).String()},
		{"Audio Duration", fmt.Sprintf("%.2f seconds", audioDuration)},
		{"Audio Bytes", strconv.Itoa(m.AudioBytes)},
		{"Chunks Sent", strconv.Itoa(m.ChunksSent)},
		{"Chunks Rejected", strconv.Itoa(m.ChunksRejected)},
		{"Reconnects", strconv.Itoa(m.Reconnects)},
		{"Connect Failures", strconv.Itoa(m.ConnectFailures)},
		{"Transcript Length", fmt.Sprintf("%d chars", m.TranscriptLength)},
		{"First Result Latency", latency.Round(time.Millisecond).String()},
		{"Partial Results", strconv.Itoa(m.PartialCount)},
		{"Final Results", strconv.Itoa(m.FinalCount)},
		{"Real-time Factor", fmt.Sprintf("%.2fx", rtf)},
	}
}

func (m *SessionMetrics) Summary() string {
	var out string
	for _, row := range m.Rows() {
		out += row[0] + ": " + row[1] + "\n"
	}
	return out
}
