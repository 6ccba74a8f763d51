package mex

import (
	"maps"

	"github.com/xraph/choreo/id"
)

// Message is an opaque payload: named parts plus headers. The engine never
// interprets the content.
type Message struct {
	ID     id.MessageID      `json:"id"`
	Type   string            `json:"type,omitempty"`
	Parts  map[string]string `json:"parts,omitempty"`
	Header map[string]string `json:"header,omitempty"`
}

// NewMessage creates a message of the given type.
func NewMessage(msgType string) *Message {
	return &Message{
		ID:     id.NewMessageID(),
		Type:   msgType,
		Parts:  make(map[string]string),
		Header: make(map[string]string),
	}
}

// SetPart sets a named part and returns m.
func (m *Message) SetPart(name, value string) *Message {
	if m.Parts == nil {
		m.Parts = make(map[string]string)
	}
	m.Parts[name] = value
	return m
}

// Clone returns a deep copy of m. Clone of nil is nil.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Parts = maps.Clone(m.Parts)
	out.Header = maps.Clone(m.Header)
	return &out
}

// Failure is the payload of an AckFailure acknowledgement.
type Failure struct {
	Type        FailureType `json:"type"`
	Explanation string      `json:"explanation,omitempty"`
	Detail      *Message    `json:"detail,omitempty"`
}

// Clone returns a deep copy of f. Clone of nil is nil.
func (f *Failure) Clone() *Failure {
	if f == nil {
		return nil
	}
	out := *f
	out.Detail = f.Detail.Clone()
	return &out
}
