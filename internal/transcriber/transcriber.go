package transcriber

import "errors"

// ErrClosed is returned when audio is offered after Close.
var ErrClosed = errors.New("transcriber is closed")

// Transcriber is the caller-facing view of a streaming transcription
type Transcriber interface {
	ProcessAudio(audioData []byte) error
	Results() <-chan TranscriptionResult
	GetFullTranscript() string
	AddMarker(marker string)
	Close() error
}

// TranscriptionResult represents a transcription result
type TranscriptionResult struct {
	Text       string
	IsFinal    bool
	Confidence float64 // Average element confidence, zero when absent
	Timestamp  float64 // Start of the hypothesis in stream seconds
	EndTime    float64
}
