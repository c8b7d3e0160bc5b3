// Copyright 2024 Legal Research Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package streaming carries progress events for a routed request to the client
package streaming

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents different types of progress events
type EventType string

const (
	// EventTypeProgress marks the start of a pipeline stage
	EventTypeProgress EventType = "progress"
	// EventTypeDelta carries a fragment of the answer text
	EventTypeDelta EventType = "delta"
	// EventTypeError represents an error event
	EventTypeError EventType = "error"
	// EventTypeComplete carries the final answer and its sources
	EventTypeComplete EventType = "complete"
)

// StageType names a stage of the research pipeline
type StageType string

const (
	StageQueryAnalysis  StageType = "query_analysis"
	StageAgentSelection StageType = "agent_selection"
	StageDocumentSearch StageType = "document_search"
	StageWebSearch      StageType = "web_search"
	StageExtraction     StageType = "extraction"
	StagePlanning       StageType = "planning"
	StageSynthesis      StageType = "synthesis"
	StageComplete       StageType = "complete"
)

// Event represents a streaming progress event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Stage     StageType              `json:"stage,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Progress  int                    `json:"progress"` // 0-100
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// ProgressCallback receives events in emission order
type ProgressCallback func(event Event)

// EventStream fans the events of one request out to its callbacks.
// Callbacks run synchronously on the emitting goroutine, so a slow
// callback slows the pipeline.
type EventStream struct {
	ID        string
	callbacks []ProgressCallback
	events    []Event
	mutex     sync.Mutex
	closed    bool
}

// NewEventStream creates a new event stream
func NewEventStream(streamID string) *EventStream {
	return &EventStream{ID: streamID}
}

// AddCallback registers a callback for subsequent events
func (es *EventStream) AddCallback(callback ProgressCallback) {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	if !es.closed {
		es.callbacks = append(es.callbacks, callback)
	}
}

// Emit records event and delivers it to every callback. Delivery happens
// under the stream lock so concurrent emitters cannot reorder events.
func (es *EventStream) Emit(event Event) {
	if es == nil {
		return
	}
	es.mutex.Lock()
	defer es.mutex.Unlock()

	if es.closed {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Deltas are not retained; a full answer would otherwise be stored twice
	if event.Type != EventTypeDelta {
		es.events = append(es.events, event)
	}
	for _, callback := range es.callbacks {
		callback(event)
	}
}

// EmitProgress announces a stage
func (es *EventStream) EmitProgress(stage StageType, message string, progress int, data map[string]interface{}) {
	es.Emit(Event{Type: EventTypeProgress, Stage: stage, Message: message, Progress: clampProgress(progress), Data: data})
}

// EmitDelta forwards a fragment of answer text
func (es *EventStream) EmitDelta(text string) {
	if text == "" {
		return
	}
	es.Emit(Event{Type: EventTypeDelta, Stage: StageSynthesis, Message: text})
}

// EmitError emits an error event; message is what the user sees
func (es *EventStream) EmitError(stage StageType, message string, err error, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{})
	}
	if err != nil {
		data["error_details"] = err.Error()
	}
	es.Emit(Event{Type: EventTypeError, Stage: stage, Message: message, Data: data, Error: message})
}

// EmitComplete emits the completion event
func (es *EventStream) EmitComplete(message string, data map[string]interface{}) {
	es.Emit(Event{Type: EventTypeComplete, Stage: StageComplete, Message: message, Progress: 100, Data: data})
}

// Close stops delivery; later emits are dropped
func (es *EventStream) Close() {
	if es == nil {
		return
	}
	es.mutex.Lock()
	defer es.mutex.Unlock()

	es.closed = true
	es.callbacks = nil
}

// GetEvents returns the retained events
func (es *EventStream) GetEvents() []Event {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	events := make([]Event, len(es.events))
	copy(events, es.events)
	return events
}

// ToSSEMessage converts an event to Server-Sent Events format
func (e Event) ToSSEMessage() string {
	data, _ := json.Marshal(e)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, data)
}

// WriteSSE writes the event to w and flushes when w supports it
func (e Event) WriteSSE(w io.Writer) error {
	if _, err := io.WriteString(w, e.ToSSEMessage()); err != nil {
		return fmt.Errorf("write event %s: %w", e.ID, err)
	}
	if f, ok := w.(interface{ Flush() }); ok {
		f.Flush()
	}
	return nil
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
