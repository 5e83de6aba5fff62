package model

import "encoding/json"

// EventType discriminates the AnswerEvent variants.
type EventType string

const (
	EventTextDelta  EventType = "text-delta"
	EventCitation   EventType = "citation"
	EventConfidence EventType = "confidence"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// AnswerEvent is one element of an answer stream. The concrete types below
// are the only implementations.
type AnswerEvent interface {
	Type() EventType
	answerEvent()
}

// TextDelta carries a fragment of generated text.
type TextDelta struct {
	Text string `json:"text"`
}

// CitationEvent is emitted once per cited chunk after generation completes.
type CitationEvent struct {
	Citation Citation `json:"citation"`
}

// ConfidenceEvent carries the calibrated label after generation completes.
type ConfidenceEvent struct {
	Label    ConfidenceLabel `json:"label"`
	TopScore Score           `json:"topScore"`
}

// Done ends a successful stream.
type Done struct {
	Result AnswerResult `json:"result"`
}

// ErrorEvent ends a failed stream; text already sent stays valid.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (TextDelta) Type() EventType       { return EventTextDelta }
func (CitationEvent) Type() EventType   { return EventCitation }
func (ConfidenceEvent) Type() EventType { return EventConfidence }
func (Done) Type() EventType            { return EventDone }
func (ErrorEvent) Type() EventType      { return EventError }

func (TextDelta) answerEvent()       {}
func (CitationEvent) answerEvent()   {}
func (ConfidenceEvent) answerEvent() {}
func (Done) answerEvent()            {}
func (ErrorEvent) answerEvent()      {}

// MarshalEvent encodes an event as {"type": ..., "data": {...}}.
func MarshalEvent(e AnswerEvent) ([]byte, error) {
	return json.Marshal(struct {
		Type EventType   `json:"type"`
		Data AnswerEvent `json:"data"`
	}{Type: e.Type(), Data: e})
}
