package streaming

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event types sent by the service
const (
	EventConnected = "connected"
	EventPartial   = "partial"
	EventFinal     = "final"
)

// Event is a decoded transcription message.
type Event struct {
	ID       string    `json:"id,omitempty"`
	Type     string    `json:"type"`
	Elements []Element `json:"elements"`
	TS       *float64  `json:"ts,omitempty"`
	EndTS    *float64  `json:"end_ts,omitempty"`
}

// Element is a single word or punctuation token of a hypothesis.
type Element struct {
	Type       string   `json:"type,omitempty"`
	Value      string   `json:"value"`
	TS         *float64 `json:"ts,omitempty"`
	EndTS      *float64 `json:"end_ts,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// DecodeEvent parses a text frame received from the service.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return ev, nil
}

// EncodeEvent renders an event in the wire schema.
func EncodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

// IsFinal reports whether the event carries a final hypothesis.
func (e Event) IsFinal() bool {
	return e.Type == EventFinal
}

// Text joins the element values into a transcript line.
// Final hypotheses carry their own spacing as punct elements; partials are bare words.
func (e Event) Text() string {
	var b strings.Builder
	for i, el := range e.Elements {
		if e.IsFinal() {
			b.WriteString(el.Value)
			continue
		}
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(el.Value)
	}
	return strings.TrimSpace(b.String())
}

// Confidence averages the element confidences that are present.
func (e Event) Confidence() float64 {
	var sum float64
	var n int
	for _, el := range e.Elements {
		if el.Confidence == nil {
			continue
		}
		sum += *el.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Float returns a pointer to v, for building events by hand.
func Float(v float64) *float64 {
	return &v
}
