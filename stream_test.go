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
	"testing"
)

func roundTripStream(t *testing.T, m *Message) Message {
	t.Helper()
	data, err := m.MarshalStream()
	if err != nil {
		t.Fatalf("MarshalStream: %v", err)
	}
	got, err := ReadStreamMessage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadStreamMessage: %v", err)
	}
	return got
}

func TestStreamRoundTripSmallMessage(t *testing.T) {
	m := &Message{Code: GET, Token: []byte{1, 2, 3}}
	m.SetPathString("/sensors/temp")

	got := roundTripStream(t, m)
	if got.Code != GET || string(got.Token) != string([]byte{1, 2, 3}) {
		t.Fatalf("got %+v", got)
	}
	if got.PathString() != "/sensors/temp" {
		t.Fatalf("PathString() = %q", got.PathString())
	}
}

func TestStreamRoundTripAcrossLengthTiers(t *testing.T) {
	sizes := []int{0, 5, 12, 13, 268, 269, 65804, 65805, 65806 + 100}
	for _, size := range sizes {
		size := size
		t.Run("", func(t *testing.T) {
			m := &Message{Code: Content, Token: []byte{0xAB}, Payload: bytes.Repeat([]byte{'x'}, size)}
			got := roundTripStream(t, m)
			if len(got.Payload) != size {
				t.Fatalf("payload length = %d, want %d", len(got.Payload), size)
			}
			if !bytes.Equal(got.Payload, m.Payload) {
				t.Fatal("payload contents changed across the round trip")
			}
		})
	}
}

func TestStreamHeaderLengthTierBoundaries(t *testing.T) {
	cases := []struct {
		length   int
		wantByte byte // high nibble of the first header byte
	}{
		{0, 0},
		{12, 12},
		{13, streamLen13},
		{268, streamLen13},
		{269, streamLen14},
		{65804, streamLen14},
		{65805, streamLen15},
	}
	for _, c := range cases {
		var buf bytes.Buffer
		writeStreamHeader(&buf, c.length, 0)
		got := buf.Bytes()[0] >> 4
		if got != c.wantByte {
			t.Fatalf("length %d: header nibble = %d, want %d", c.length, got, c.wantByte)
		}
	}
}

func TestStreamTokenLengthEncodedInHeader(t *testing.T) {
	m := &Message{Code: POST, Token: []byte{1, 2, 3, 4, 5}}
	data, err := m.MarshalStream()
	if err != nil {
		t.Fatalf("MarshalStream: %v", err)
	}
	if got := data[0] & 0x0f; got != 5 {
		t.Fatalf("token-length nibble = %d, want 5", got)
	}
}

func TestStreamRejectsOversizedToken(t *testing.T) {
	m := &Message{Code: GET, Token: make([]byte, MaxTokenLen+1)}
	if _, err := m.MarshalStream(); err == nil {
		t.Fatal("expected an error for a token longer than MaxTokenLen")
	}
}
