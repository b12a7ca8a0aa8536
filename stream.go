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

package coap

import (
	"bytes"
	"encoding/binary"
	"io"
)

// MarshalStream encodes this message using the RFC 8323 section 3.2 framing:
// no version, type or message ID, a 4-bit length nibble (extended via 1, 2
// or 4 trailing bytes past 12), a 4-bit token-length nibble, the 8-bit code,
// the token, then the same option+payload encoding as the datagram framing.
func (m *Message) MarshalStream() ([]byte, error) {
	if len(m.Token) > MaxTokenLen {
		return nil, errInvalidTokenLen(len(m.Token))
	}
	var body bytes.Buffer
	body.Write(m.Token)
	m.encodeOptionsAndPayload(&body)

	length := body.Len() - len(m.Token)
	out := &bytes.Buffer{}
	writeStreamHeader(out, length, len(m.Token))
	out.WriteByte(byte(m.Code))
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

const (
	streamLen13 = 13
	streamLen14 = 14
	streamLen15 = 15

	streamLen13Addend = 13
	streamLen14Addend = 269
	streamLen15Addend = 65805
)

func writeStreamHeader(buf *bytes.Buffer, length, tokenLen int) {
	switch {
	case length < streamLen13Addend:
		buf.WriteByte(byte(length<<4) | byte(tokenLen))
	case length < streamLen14Addend:
		buf.WriteByte(byte(streamLen13<<4) | byte(tokenLen))
		buf.WriteByte(byte(length - streamLen13Addend))
	case length < streamLen15Addend:
		buf.WriteByte(byte(streamLen14<<4) | byte(tokenLen))
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(length-streamLen14Addend))
		buf.Write(tmp[:])
	default:
		buf.WriteByte(byte(streamLen15<<4) | byte(tokenLen))
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(length-streamLen15Addend))
		buf.Write(tmp[:])
	}
}

// ReadStreamMessage reads one RFC 8323 stream-framed message from r,
// blocking until a full frame is available. It returns io.EOF only when
// zero bytes of a new frame have been read.
func ReadStreamMessage(r io.Reader) (Message, error) {
	var m Message
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return m, err
	}
	lenNibble := int(hdr[0] >> 4)
	tokenLen := int(hdr[0] & 0x0f)
	if tokenLen > MaxTokenLen {
		return m, errInvalidTokenLen(tokenLen)
	}

	length, err := readStreamExtLen(r, lenNibble)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return m, err
	}

	var codeByte [1]byte
	if _, err := io.ReadFull(r, codeByte[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return m, err
	}
	m.Code = Code(codeByte[0])

	rest := make([]byte, tokenLen+length)
	if _, err := io.ReadFull(r, rest); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return m, err
	}
	m.Token = append([]byte(nil), rest[:tokenLen]...)

	opts, payload, unrecognizedCritical, err := decodeOptionsAndPayload(rest[tokenLen:])
	if err != nil {
		return m, err
	}
	m.opts = opts
	m.Payload = payload
	m.unrecognizedCritical = unrecognizedCritical
	return m, nil
}

func readStreamExtLen(r io.Reader, nibble int) (int, error) {
	switch nibble {
	case streamLen13:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return int(b[0]) + streamLen13Addend, nil
	case streamLen14:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return int(binary.BigEndian.Uint16(b[:])) + streamLen14Addend, nil
	case streamLen15:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return int(binary.BigEndian.Uint32(b[:])) + streamLen15Addend, nil
	default:
		return nibble, nil
	}
}
