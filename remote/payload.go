// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package remote

import (
	"context"
	"encoding"
	"errors"
	"fmt"

	"github.com/creachadair/esb"
	"github.com/creachadair/esb/catalog"
	"github.com/creachadair/esb/packet"
)

// Request is the payload of a request frame. It carries the request message
// of an exchange to the peer that provides the service.
type Request struct {
	RequestID uint32
	Service   string
	Operation string
	Pattern   esb.Pattern // of the consumer
	Body      Body
}

// Encode implements packet.Encoder.
func (r Request) Encode(b *packet.Builder) {
	b.Uint32(r.RequestID)
	b.VPutString(r.Service)
	b.VPutString(r.Operation)
	b.Put(byte(r.Pattern))
	r.Body.Encode(b)
}

// Decode implements packet.Decoder.
func (r *Request) Decode(s *packet.Scanner) (err error) {
	if r.RequestID, err = s.Uint32(); err != nil {
		return fmt.Errorf("request ID: %w", err)
	}
	if r.Service, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	if r.Operation, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("operation: %w", err)
	}
	p, err := s.Byte()
	if err != nil {
		return fmt.Errorf("pattern: %w", err)
	} else if p > byte(esb.InOnly) {
		return fmt.Errorf("invalid pattern %d", p)
	}
	r.Pattern = esb.Pattern(p)
	return r.Body.Decode(s)
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(ID=%v, %s.%s, %v, %v)", r.RequestID, r.Service, r.Operation, r.Pattern, r.Body)
}

// Status describes the outcome of a request.
type Status byte

const (
	StatusReply Status = 0 // the provider sent a reply
	StatusFault Status = 1 // the provider sent a fault
	StatusDone  Status = 2 // an in-only request was processed
	StatusError Status = 3 // the request could not be delivered; the content is an error
)

func (s Status) String() string {
	switch s {
	case StatusReply:
		return "REPLY"
	case StatusFault:
		return "FAULT"
	case StatusDone:
		return "DONE"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("status %d", byte(s))
	}
}

// Reply is the payload of a reply frame.
type Reply struct {
	RequestID uint32
	Status    Status
	Body      Body
}

// Encode implements packet.Encoder.
func (r Reply) Encode(b *packet.Builder) {
	b.Uint32(r.RequestID)
	b.Put(byte(r.Status))
	r.Body.Encode(b)
}

// Decode implements packet.Decoder.
func (r *Reply) Decode(s *packet.Scanner) (err error) {
	if r.RequestID, err = s.Uint32(); err != nil {
		return fmt.Errorf("request ID: %w", err)
	}
	st, err := s.Byte()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	} else if Status(st) > StatusError {
		return fmt.Errorf("invalid status %d", st)
	}
	r.Status = Status(st)
	return r.Body.Decode(s)
}

// String returns a human-friendly rendering of the reply.
func (r Reply) String() string {
	return fmt.Sprintf("Reply(ID=%v, %v, %v)", r.RequestID, r.Status, r.Body)
}

// Describe is the payload of a describe frame.
type Describe struct {
	RequestID uint32
	Service   string
}

// Encode implements packet.Encoder.
func (d Describe) Encode(b *packet.Builder) {
	b.Uint32(d.RequestID)
	b.VPutString(d.Service)
}

// Decode implements packet.Decoder.
func (d *Describe) Decode(s *packet.Scanner) (err error) {
	if d.RequestID, err = s.Uint32(); err != nil {
		return fmt.Errorf("request ID: %w", err)
	}
	d.Service, err = packet.VGet[string](s)
	return err
}

// String returns a human-friendly rendering of the describe request.
func (d Describe) String() string { return fmt.Sprintf("Describe(ID=%v, %q)", d.RequestID, d.Service) }

// Description is the payload of a description frame. Exactly one of Interface
// and Error is set.
type Description struct {
	RequestID uint32
	Interface *esb.ServiceInterface
	Error     *RemoteError
}

// Encode implements packet.Encoder.
func (d Description) Encode(b *packet.Builder) {
	b.Uint32(d.RequestID)
	if d.Interface == nil {
		b.Bool(false)
		if d.Error == nil {
			d.Error = &RemoteError{Message: "no interface"}
		}
		d.Error.encode(b)
		return
	}
	b.Bool(true)
	catalog.FromInterface(d.Interface).Encode(b)
}

// Decode implements packet.Decoder.
func (d *Description) Decode(s *packet.Scanner) (err error) {
	if d.RequestID, err = s.Uint32(); err != nil {
		return fmt.Errorf("request ID: %w", err)
	}
	ok, err := s.Bool()
	if err != nil {
		return fmt.Errorf("description tag: %w", err)
	}
	if !ok {
		d.Interface = nil
		d.Error = new(RemoteError)
		return d.Error.decode(s)
	}
	var cat catalog.Catalog
	if err := cat.Decode(s); err != nil {
		return fmt.Errorf("interface: %w", err)
	}
	d.Interface = cat.Interface()
	d.Error = nil
	return nil
}

// String returns a human-friendly rendering of the description.
func (d Description) String() string {
	if d.Interface == nil {
		return fmt.Sprintf("Description(ID=%v, error=%v)", d.RequestID, d.Error)
	}
	return fmt.Sprintf("Description(ID=%v, %s%v)", d.RequestID, d.Interface.Name(), d.Interface.Operations())
}

// Body is the encoded form of a message together with the exchange
// properties that travel with it.
//
// Content is nil, a string, a []byte, or a *RemoteError. Only properties of
// Exchange and Message scope whose values are strings or []byte are carried,
// and properties labelled transient or system are omitted.
type Body struct {
	Content     any
	Properties  []Property
	Attachments []Attachment
}

// A Property is the encoded form of a context property.
type Property struct {
	Scope  esb.Scope
	Name   string
	Value  any // string or []byte
	Labels []string
}

// An Attachment is the encoded form of a message attachment.
type Attachment struct {
	Name string
	Data []byte
}

// Content kinds on the wire.
const (
	kindNil    = 0
	kindString = 1
	kindBytes  = 2
	kindError  = 3
)

// NewBody constructs a body from the content, attachments, and properties of
// m, and the exchange-scoped properties of xctx. It reports an error if the
// content of m cannot be encoded.
func NewBody(m *esb.Message, xctx *esb.Context) (Body, error) {
	content, err := encodeContent(m.Content())
	if err != nil {
		return Body{}, err
	}
	out := Body{Content: content}
	var props []*esb.Property
	if xctx != nil {
		props = xctx.Properties(esb.ScopeExchange)
	}
	props = append(props, m.Context().Properties(esb.ScopeMessage)...)
	for _, p := range props {
		if p.HasLabel(esb.LabelTransient) || p.HasLabel(esb.LabelSystem) {
			continue
		}
		switch p.Value().(type) {
		case string, []byte:
			out.Properties = append(out.Properties, Property{
				Scope: p.Scope(), Name: p.Name(), Value: p.Value(), Labels: p.Labels(),
			})
		}
	}
	for _, name := range m.AttachmentNames() {
		data, _ := m.Attachment(name)
		out.Attachments = append(out.Attachments, Attachment{Name: name, Data: data})
	}
	return out, nil
}

// Apply sets the content, attachments, and message properties of b on m, and
// the exchange properties of b on xctx.
func (b Body) Apply(m *esb.Message, xctx *esb.Context) {
	m.SetContent(b.Content)
	for _, p := range b.Properties {
		dst := m.Context()
		if p.Scope == esb.ScopeExchange {
			dst = xctx
		}
		dst.SetProperty(p.Name, p.Value, p.Scope).AddLabels(p.Labels...)
	}
	for _, a := range b.Attachments {
		m.AddAttachment(a.Name, a.Data)
	}
}

// encodeContent converts v to one of the content types carried by a Body.
func encodeContent(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, []byte, *RemoteError:
		return t, nil
	case error:
		return &RemoteError{Code: codeOf(t), Message: t.Error()}, nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot encode content of type %T", v)
	}
}

// Encode implements packet.Encoder.
func (b Body) Encode(w *packet.Builder) {
	switch c := b.Content.(type) {
	case nil:
		w.Put(kindNil)
	case string:
		w.Put(kindString)
		w.VPutString(c)
	case []byte:
		w.Put(kindBytes)
		w.VPut(c)
	case *RemoteError:
		w.Put(kindError)
		c.encode(w)
	default:
		panic(fmt.Sprintf("invalid body content %T", c))
	}

	w.Vint30(uint32(len(b.Properties)))
	for _, p := range b.Properties {
		w.Put(byte(p.Scope))
		w.VPutString(p.Name)
		switch v := p.Value.(type) {
		case string:
			w.Put(kindString)
			w.VPutString(v)
		case []byte:
			w.Put(kindBytes)
			w.VPut(v)
		default:
			panic(fmt.Sprintf("invalid property value %T", v))
		}
		w.VPutStrings(p.Labels)
	}

	w.Vint30(uint32(len(b.Attachments)))
	for _, a := range b.Attachments {
		w.VPutString(a.Name)
		w.VPut(a.Data)
	}
}

// Decode implements packet.Decoder.
func (b *Body) Decode(s *packet.Scanner) error {
	kind, err := s.Byte()
	if err != nil {
		return fmt.Errorf("content kind: %w", err)
	}
	switch kind {
	case kindNil:
		b.Content = nil
	case kindString:
		b.Content, err = packet.VGet[string](s)
	case kindBytes:
		b.Content, err = vbytes(s)
	case kindError:
		re := new(RemoteError)
		b.Content, err = re, re.decode(s)
	default:
		return fmt.Errorf("invalid content kind %d", kind)
	}
	if err != nil {
		return fmt.Errorf("content: %w", err)
	}

	np, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("property count: %w", err)
	}
	b.Properties = nil
	for i := range np {
		var p Property
		sc, err := s.Byte()
		if err != nil {
			return fmt.Errorf("property %d scope: %w", i, err)
		} else if esb.Scope(sc) != esb.ScopeExchange && esb.Scope(sc) != esb.ScopeMessage {
			return fmt.Errorf("property %d: invalid scope %d", i, sc)
		}
		p.Scope = esb.Scope(sc)
		if p.Name, err = packet.VGet[string](s); err != nil {
			return fmt.Errorf("property %d name: %w", i, err)
		}
		vk, err := s.Byte()
		if err != nil {
			return fmt.Errorf("property %q kind: %w", p.Name, err)
		}
		switch vk {
		case kindString:
			p.Value, err = packet.VGet[string](s)
		case kindBytes:
			p.Value, err = vbytes(s)
		default:
			return fmt.Errorf("property %q: invalid kind %d", p.Name, vk)
		}
		if err != nil {
			return fmt.Errorf("property %q value: %w", p.Name, err)
		}
		if p.Labels, err = s.VStrings(); err != nil {
			return fmt.Errorf("property %q labels: %w", p.Name, err)
		}
		b.Properties = append(b.Properties, p)
	}

	na, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("attachment count: %w", err)
	}
	b.Attachments = nil
	for i := range na {
		var a Attachment
		if a.Name, err = packet.VGet[string](s); err != nil {
			return fmt.Errorf("attachment %d name: %w", i, err)
		}
		if a.Data, err = vbytes(s); err != nil {
			return fmt.Errorf("attachment %q: %w", a.Name, err)
		}
		b.Attachments = append(b.Attachments, a)
	}
	return nil
}

// vbytes scans a length-prefixed byte slice that does not alias the input.
func vbytes(s *packet.Scanner) ([]byte, error) {
	v, err := packet.VGet[string](s)
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

// String returns a human-friendly rendering of the body.
func (b Body) String() string {
	var content string
	switch c := b.Content.(type) {
	case []byte:
		if len(c) > 16 {
			content = fmt.Sprintf("%q...", c[:16])
		} else {
			content = fmt.Sprintf("%q", c)
		}
	default:
		content = fmt.Sprintf("%#v", c)
		if re, ok := c.(*RemoteError); ok {
			content = re.Error()
		}
	}
	return fmt.Sprintf("Body(%s, %d props, %d attachments)", content, len(b.Properties), len(b.Attachments))
}

// ErrorCode classifies an error carried between peers, so that the receiver
// can recognize well-known errors with errors.Is.
type ErrorCode byte

// errorCodes maps each ErrorCode to the error it denotes.
var errorCodes = []error{
	nil,
	esb.ErrServiceNotFound,
	esb.ErrUnknownOperation,
	esb.ErrPatternMismatch,
	esb.ErrTimeout,
	context.Canceled,
	context.DeadlineExceeded,
}

func codeOf(err error) ErrorCode {
	for i, target := range errorCodes[1:] {
		if errors.Is(err, target) {
			return ErrorCode(i + 1)
		}
	}
	return 0
}

// RemoteError is the content of a message that carried an error value from a
// remote peer. If the original error was one of the well-known errors of the
// esb package, or a context error, RemoteError unwraps to it.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

// Error satisfies the error interface.
func (e *RemoteError) Error() string { return e.Message }

// Unwrap reports the well-known error denoted by the code of e, or nil.
func (e *RemoteError) Unwrap() error {
	if int(e.Code) < len(errorCodes) {
		return errorCodes[e.Code]
	}
	return nil
}

func (e *RemoteError) encode(b *packet.Builder) {
	b.Put(byte(e.Code))
	b.VPutString(e.Message)
}

func (e *RemoteError) decode(s *packet.Scanner) (err error) {
	c, err := s.Byte()
	if err != nil {
		return err
	}
	e.Code = ErrorCode(c)
	e.Message, err = packet.VGet[string](s)
	return err
}
