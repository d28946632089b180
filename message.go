// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package esb

import (
	"bytes"
	"encoding"
	"maps"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// A Message is the envelope exchanged between a consumer and a provider. It
// carries an opaque content value, a message-scoped Context, and zero or more
// named attachments.
//
// Messages are created by Exchange.CreateMessage. A message can be sent only
// once; to send the same contents again, send a Copy.
type Message struct {
	id   string
	ctx  *Context
	sent atomic.Bool

	μ       sync.Mutex
	content any
	attach  map[string][]byte
}

func newMessage() *Message {
	id := uuid.NewString()
	m := &Message{id: id, ctx: NewContext()}
	m.ctx.SetProperty(PropMessageID, id, ScopeMessage).AddLabels(LabelSystem)
	return m
}

// ID reports the unique identifier of m.
func (m *Message) ID() string { return m.id }

// Context returns the message-scoped context of m.
func (m *Message) Context() *Context { return m.ctx }

// Content reports the current content of m.
func (m *Message) Content() any {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.content
}

// SetContent replaces the content of m, and returns m to permit chaining.
func (m *Message) SetContent(v any) *Message {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.content = v
	return m
}

// AddAttachment adds or replaces a named attachment, and returns m to permit
// chaining. The message retains data, which the caller must not modify.
func (m *Message) AddAttachment(name string, data []byte) *Message {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.attach == nil {
		m.attach = make(map[string][]byte)
	}
	m.attach[name] = data
	return m
}

// Attachment returns the named attachment of m, and reports whether it exists.
func (m *Message) Attachment(name string) ([]byte, bool) {
	m.μ.Lock()
	defer m.μ.Unlock()
	data, ok := m.attach[name]
	return data, ok
}

// AttachmentNames returns the names of the attachments of m in order.
func (m *Message) AttachmentNames() []string {
	m.μ.Lock()
	defer m.μ.Unlock()
	return slices.Sorted(maps.Keys(m.attach))
}

// RemoveAttachment removes the named attachment of m, if it exists.
func (m *Message) RemoveAttachment(name string) {
	m.μ.Lock()
	defer m.μ.Unlock()
	delete(m.attach, name)
}

// Copy returns a new unsent message with a fresh ID, the same content value,
// copies of the attachments, and an independent copy of the context.
func (m *Message) Copy() *Message {
	cp := newMessage()

	m.μ.Lock()
	cp.content = m.content
	if len(m.attach) != 0 {
		cp.attach = make(map[string][]byte, len(m.attach))
		for name, data := range m.attach {
			cp.attach[name] = bytes.Clone(data)
		}
	}
	m.μ.Unlock()

	cp.ctx = m.ctx.Copy()
	cp.ctx.SetProperty(PropMessageID, cp.id, ScopeMessage).AddLabels(LabelSystem)
	return cp
}

// markSent records that m has been sent, and reports whether it was already.
func (m *Message) markSent() bool { return m.sent.Swap(true) }

// ContentAs reports the content of m as a value of type T.
//
// If the content is assignable to T it is returned directly. In addition,
// string and []byte content are interconvertible; content implementing
// encoding.TextMarshaler can be read as a string or []byte; and string or
// []byte content can be read as a T whose pointer implements
// encoding.TextUnmarshaler. Otherwise ContentAs reports *ContentTypeError.
func ContentAs[T any](m *Message) (T, error) {
	var zero T
	v := m.Content()
	if t, ok := v.(T); ok {
		return t, nil
	}

	var out any
	switch any(zero).(type) {
	case string:
		switch c := v.(type) {
		case []byte:
			out = string(c)
		case encoding.TextMarshaler:
			text, err := c.MarshalText()
			if err != nil {
				return zero, err
			}
			out = string(text)
		}
	case []byte:
		switch c := v.(type) {
		case string:
			out = []byte(c)
		case encoding.TextMarshaler:
			text, err := c.MarshalText()
			if err != nil {
				return zero, err
			}
			out = text
		}
	}
	if out != nil {
		return out.(T), nil
	}

	var text []byte
	switch c := v.(type) {
	case string:
		text = []byte(c)
	case []byte:
		text = c
	default:
		return zero, &ContentTypeError{Want: reflect.TypeFor[T](), Got: v}
	}
	if u, ok := any(&zero).(encoding.TextUnmarshaler); ok {
		if err := u.UnmarshalText(text); err != nil {
			return zero, err
		}
		return zero, nil
	}
	return zero, &ContentTypeError{Want: reflect.TypeFor[T](), Got: v}
}
