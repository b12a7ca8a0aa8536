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
	"testing"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/tidwall/gjson"
)

func TestServerNotifyPushesToRegisteredSubscriber(t *testing.T) {
	s := NewServer()
	t.Cleanup(s.pool.Shutdown)

	var got []byte
	s.observations.Register("/sensors/temp", "peer", []byte{1}, 0, false, func(m *Message) error {
		got = m.Payload
		return nil
	})

	if err := s.Notify("/sensors/temp", map[string]float64{"v": 22.5}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if gjson.GetBytes(got, "v").Float() != 22.5 {
		t.Fatalf("payload = %s, want v=22.5", got)
	}
}

func TestServerOnEventBridgesToNotify(t *testing.T) {
	s := NewServer()
	t.Cleanup(s.pool.Shutdown)

	var got []byte
	s.observations.Register("/sensors/temp", "peer", []byte{1}, 0, false, func(m *Message) error {
		got = m.Payload
		return nil
	})

	s.OnEvent("sensor.temp.raw", "/sensors/temp", func(v interface{}) interface{} {
		raw := v.(float64)
		return map[string]float64{"celsius": raw}
	})

	s.Publish(ScopeLocal, "sensor.temp.raw", 19.0)

	if gjson.GetBytes(got, "celsius").Float() != 19.0 {
		t.Fatalf("payload = %s, want celsius=19", got)
	}
}

func TestServerNotifyReencodesForSubscriberAccept(t *testing.T) {
	s := NewServer()
	t.Cleanup(s.pool.Shutdown)

	var got []byte
	var gotFormat MediaType
	s.observations.Register("/sensors/temp", "peer", []byte{1}, AppCBOR, true, func(m *Message) error {
		got = m.Payload
		gotFormat, _ = m.Option(ContentFormat).(MediaType)
		return nil
	})

	if err := s.Notify("/sensors/temp", map[string]float64{"v": 22.5}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if gotFormat != AppCBOR {
		t.Fatalf("content-format = %v, want AppCBOR", gotFormat)
	}
	var decoded map[string]float64
	if err := cbor.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("payload did not decode as CBOR: %v", err)
	}
	if decoded["v"] != 22.5 {
		t.Fatalf("decoded = %v, want v=22.5", decoded)
	}
}

func TestServerTwoSubscribersSequenceNumbersIncrease(t *testing.T) {
	s := NewServer()
	t.Cleanup(s.pool.Shutdown)

	var aSeqs, bSeqs []uint32
	s.observations.Register("/sensors/temp", "a", []byte("A"), 0, false, func(m *Message) error {
		aSeqs = append(aSeqs, m.Option(Observe).(uint32))
		return nil
	})
	s.observations.Register("/sensors/temp", "b", []byte("B"), 0, false, func(m *Message) error {
		bSeqs = append(bSeqs, m.Option(Observe).(uint32))
		return nil
	})

	s.Notify("/sensors/temp", 22.5)
	s.Notify("/sensors/temp", 22.7)

	for _, seqs := range [][]uint32{aSeqs, bSeqs} {
		if len(seqs) != 2 {
			t.Fatalf("expected 2 notifications, got %d", len(seqs))
		}
		if !observeNewer(seqs[0], seqs[1], time.Now(), time.Now()) {
			t.Fatalf("sequence numbers %v did not increase", seqs)
		}
	}
}
