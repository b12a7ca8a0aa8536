// Copyright 2021 The Matrix.org Foundation C.I.C.
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

// Package coap implements the Constrained Application Protocol (RFC 7252),
// its TCP transport binding (RFC 8323), resource observation (RFC 7641) and
// link-format discovery (RFC 6690).
package coap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Type is the 2-bit message type carried in bits 4-5 of the first datagram byte.
type Type uint8

// The four CoAP message types.
const (
	Confirmable    Type = 0
	NonConfirmable Type = 1
	Acknowledgement Type = 2
	Reset          Type = 3
)

var typeNames = [4]string{"CON", "NON", "ACK", "RST"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Unknown(0x%x)", uint8(t))
}

// Code is the 8-bit request/response code, split 3 class bits / 5 detail bits.
type Code uint8

// NewCode builds a Code from its class.detail form, e.g. NewCode(2, 5) == 2.05 Content.
func NewCode(class, detail uint8) Code {
	return Code((class << 5) | (detail & 0x1f))
}

// Class returns the leading digit (e.g. 2 for a 2.05 response).
func (c Code) Class() uint8 { return uint8(c) >> 5 }

// Detail returns the trailing two digits (e.g. 5 for a 2.05 response).
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// Request method codes.
const (
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
)

// Response codes in common use by this module.
const (
	Created               Code = 65  // 2.01
	Deleted               Code = 66  // 2.02
	Valid                 Code = 67  // 2.03
	Changed               Code = 68  // 2.04
	Content               Code = 69  // 2.05
	BadRequest            Code = 128 // 4.00
	Unauthorized          Code = 129 // 4.01
	BadOption             Code = 130 // 4.02
	Forbidden             Code = 131 // 4.03
	NotFound              Code = 132 // 4.04
	MethodNotAllowed      Code = 133 // 4.05
	NotAcceptable         Code = 134 // 4.06
	PreconditionFailed    Code = 140 // 4.12
	RequestEntityTooLarge Code = 141 // 4.13
	UnsupportedMediaType  Code = 143 // 4.15
	InternalServerError   Code = 160 // 5.00
	NotImplemented        Code = 161 // 5.01
	BadGateway            Code = 162 // 5.02
	ServiceUnavailable    Code = 163 // 5.03
	GatewayTimeout        Code = 164 // 5.04
	ProxyingNotSupported  Code = 165 // 5.05
	Empty                 Code = 0
)

var codeNames = map[Code]string{
	GET: "GET", POST: "POST", PUT: "PUT", DELETE: "DELETE",
	Created: "Created", Deleted: "Deleted", Valid: "Valid", Changed: "Changed", Content: "Content",
	BadRequest: "BadRequest", Unauthorized: "Unauthorized", BadOption: "BadOption", Forbidden: "Forbidden",
	NotFound: "NotFound", MethodNotAllowed: "MethodNotAllowed", NotAcceptable: "NotAcceptable",
	PreconditionFailed: "PreconditionFailed", RequestEntityTooLarge: "RequestEntityTooLarge",
	UnsupportedMediaType: "UnsupportedMediaType", InternalServerError: "InternalServerError",
	NotImplemented: "NotImplemented", BadGateway: "BadGateway", ServiceUnavailable: "ServiceUnavailable",
	GatewayTimeout: "GatewayTimeout", ProxyingNotSupported: "ProxyingNotSupported", Empty: "Empty",
}

// MaxTokenLen is the largest token length the wire format can carry.
const MaxTokenLen = 8

// Message is a decoded CoAP message, independent of which framing produced it.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16 // datagram framing only; zero for stream framing

	Token   []byte
	Payload []byte

	opts                 options
	unrecognizedCritical []OptionID
}

// HasUnrecognizedCriticalOption reports whether decoding this message found
// an option number this module does not recognize whose number is odd
// (critical, RFC 7252 section 5.4.1). A request carrying one must be
// rejected with 4.02 Bad Option rather than silently ignored.
func (m Message) HasUnrecognizedCriticalOption() bool {
	return len(m.unrecognizedCritical) > 0
}

// IsConfirmable reports whether this message requires an acknowledgement.
func (m Message) IsConfirmable() bool {
	return m.Type == Confirmable
}

const (
	extoptByteCode   = 13
	extoptByteAddend = 13
	extoptWordCode   = 14
	extoptWordAddend = 269
	extoptError      = 15
	payloadMarker    = 0xff
)

func extendOpt(v int) (nibble, ext int) {
	switch {
	case v >= extoptWordAddend:
		return extoptWordCode, v - extoptWordAddend
	case v >= extoptByteAddend:
		return extoptByteCode, v - extoptByteAddend
	default:
		return v, 0
	}
}

func writeOptionHeader(buf *bytes.Buffer, delta, length int) {
	d, dx := extendOpt(delta)
	l, lx := extendOpt(length)
	buf.WriteByte(byte(d<<4) | byte(l))
	writeExt := func(nibble, ext int) {
		switch nibble {
		case extoptByteCode:
			buf.WriteByte(byte(ext))
		case extoptWordCode:
			var tmp [2]byte
			binary.BigEndian.PutUint16(tmp[:], uint16(ext))
			buf.Write(tmp[:])
		}
	}
	writeExt(d, dx)
	writeExt(l, lx)
}

// encodeOptionsAndPayload serializes this message's options (ascending order,
// delta-encoded per RFC 7252 section 3.1) followed by the 0xFF payload marker
// and payload, if any. It is shared by the datagram and stream encoders.
func (m *Message) encodeOptionsAndPayload(buf *bytes.Buffer) {
	sort.Stable(m.opts)
	prev := 0
	for _, o := range m.opts {
		b := o.toBytes()
		writeOptionHeader(buf, int(o.ID)-prev, len(b))
		buf.Write(b)
		prev = int(o.ID)
	}
	if len(m.Payload) > 0 {
		buf.WriteByte(payloadMarker)
		buf.Write(m.Payload)
	}
}

// MarshalBinary encodes this message using the RFC 7252 datagram framing.
//
//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|Ver| T |  TKL  |      Code     |          Message ID          |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Token (if any, TKL bytes) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Options (if any) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|1 1 1 1 1 1 1 1|    Payload (if any) ...
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Token) > MaxTokenLen {
		return nil, errInvalidTokenLen(len(m.Token))
	}
	buf := &bytes.Buffer{}
	var mid [2]byte
	binary.BigEndian.PutUint16(mid[:], m.MessageID)
	buf.WriteByte((1 << 6) | (uint8(m.Type) << 4) | uint8(0xf&len(m.Token)))
	buf.WriteByte(byte(m.Code))
	buf.Write(mid[:])
	buf.Write(m.Token)
	m.encodeOptionsAndPayload(buf)
	return buf.Bytes(), nil
}

// ParseMessage decodes a datagram-framed message.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	return m, m.UnmarshalBinary(data)
}

// UnmarshalBinary decodes a datagram-framed message per RFC 7252 section 3.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return errMalformed("short packet")
	}
	if data[0]>>6 != 1 {
		return errMalformed("invalid version")
	}
	m.Type = Type((data[0] >> 4) & 0x3)
	tokenLen := int(data[0] & 0xf)
	if tokenLen > MaxTokenLen {
		return errInvalidTokenLen(tokenLen)
	}
	m.Code = Code(data[1])
	m.MessageID = binary.BigEndian.Uint16(data[2:4])

	if len(data) < 4+tokenLen {
		return errMalformed("truncated token")
	}
	if tokenLen > 0 {
		m.Token = make([]byte, tokenLen)
		copy(m.Token, data[4:4+tokenLen])
	}
	body := data[4+tokenLen:]
	opts, payload, unrecognizedCritical, err := decodeOptionsAndPayload(body)
	if err != nil {
		return err
	}
	m.opts = opts
	m.Payload = payload
	m.unrecognizedCritical = unrecognizedCritical
	return nil
}

// decodeOptionsAndPayload parses the option sequence and trailing payload
// shared by both framings once the per-framing header has been consumed. It
// also reports any option number it does not recognize whose number is odd
// (critical, RFC 7252 section 5.4.1), for the caller to act on.
func decodeOptionsAndPayload(b []byte) (options, []byte, []OptionID, error) {
	var opts options
	var unrecognizedCritical []OptionID
	prev := 0

	parseExtOpt := func(nibble int) (int, error) {
		switch nibble {
		case extoptByteCode:
			if len(b) < 1 {
				return -1, errMalformed("truncated extended option")
			}
			v := int(b[0]) + extoptByteAddend
			b = b[1:]
			return v, nil
		case extoptWordCode:
			if len(b) < 2 {
				return -1, errMalformed("truncated extended option")
			}
			v := int(binary.BigEndian.Uint16(b[:2])) + extoptWordAddend
			b = b[2:]
			return v, nil
		default:
			return nibble, nil
		}
	}

	for len(b) > 0 {
		if b[0] == payloadMarker {
			b = b[1:]
			if len(b) == 0 {
				return nil, nil, nil, errMalformed("payload marker with empty payload")
			}
			break
		}

		deltaNibble := int(b[0] >> 4)
		lengthNibble := int(b[0] & 0x0f)
		if deltaNibble == extoptError || lengthNibble == extoptError {
			return nil, nil, nil, errMalformed("reserved option nibble 15")
		}
		b = b[1:]

		delta, err := parseExtOpt(deltaNibble)
		if err != nil {
			return nil, nil, nil, err
		}
		length, err := parseExtOpt(lengthNibble)
		if err != nil {
			return nil, nil, nil, err
		}
		if len(b) < length {
			return nil, nil, nil, errMalformed("truncated option value")
		}

		oid := OptionID(prev + delta)
		if delta < 0 {
			return nil, nil, nil, errMalformed("non-ascending option number")
		}
		if _, known := optionDefs[oid]; !known && oid.IsCritical() {
			unrecognizedCritical = append(unrecognizedCritical, oid)
		}
		val := parseOptionValue(oid, b[:length])
		b = b[length:]
		prev = int(oid)

		if val != nil {
			opts = append(opts, option{ID: oid, Value: val})
		}
	}
	return opts, b, unrecognizedCritical, nil
}
