package model

import (
	"encoding/json"
	"fmt"
)

// Envelope is the terminal payload of a job: exactly one of Data (success)
// or Error (failure) is set.
type Envelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload describes a failed job. Execution errors fill Message,
// StackTrace and Value; lightweight errors fill only Toast.
type ErrorPayload struct {
	Message    string `json:"message,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`
	Value      string `json:"value,omitempty"`
	Toast      string `json:"toast,omitempty"`
}

// Success wraps result as a success envelope.
func Success(result any) (*Envelope, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Envelope{Data: data}, nil
}

// Failure builds an execution-error envelope.
func Failure(message, stackTrace, value string) *Envelope {
	return &Envelope{Error: &ErrorPayload{
		Message:    message,
		StackTrace: stackTrace,
		Value:      value,
	}}
}

// Toast builds a lightweight-error envelope carrying only a user-facing message.
func Toast(message string) *Envelope {
	return &Envelope{Error: &ErrorPayload{Toast: message}}
}

// Failed reports whether e is a failure envelope.
func (e *Envelope) Failed() bool {
	return e.Error != nil
}

// ErrorMessage returns the failure's user-facing text, or "" for a success.
func (e *Envelope) ErrorMessage() string {
	if e.Error == nil {
		return ""
	}
	if e.Error.Message != "" {
		return e.Error.Message
	}
	return e.Error.Toast
}

// UnmarshalJSON rejects envelopes that are neither a success nor a failure.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	type plain Envelope
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if p.Data == nil && p.Error == nil {
		return fmt.Errorf("envelope has neither data nor error")
	}
	*e = Envelope(p)
	return nil
}
