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
)

func TestObserveNotifyIsMonotonicAcrossSubscribers(t *testing.T) {
	var mid uint16
	reg := NewObservationRegistry(nil, func() uint16 { mid++; return mid })

	var aSeqs, bSeqs []uint32
	reg.Register("/sensors/temp", "a", []byte{1}, 0, false, func(m *Message) error {
		aSeqs = append(aSeqs, m.Option(Observe).(uint32))
		return nil
	})
	reg.Register("/sensors/temp", "b", []byte{2}, 0, false, func(m *Message) error {
		bSeqs = append(bSeqs, m.Option(Observe).(uint32))
		return nil
	})

	for i := 0; i < 3; i++ {
		reg.Notify("/sensors/temp", []byte("v"), TextPlain)
	}

	for _, seqs := range [][]uint32{aSeqs, bSeqs} {
		if len(seqs) != 3 {
			t.Fatalf("expected 3 notifications, got %d", len(seqs))
		}
		for i := 1; i < len(seqs); i++ {
			if !observeNewer(seqs[i-1], seqs[i], time.Now(), time.Now()) {
				t.Fatalf("sequence %v is not strictly increasing", seqs)
			}
		}
	}
}

func TestObserveDeregisterStopsNotifications(t *testing.T) {
	reg := NewObservationRegistry(nil, nil)
	calls := 0
	reg.Register("/p", "a", []byte{1}, 0, false, func(m *Message) error { calls++; return nil })
	reg.Deregister("/p", "a", []byte{1})
	reg.Notify("/p", []byte("v"), TextPlain)
	if calls != 0 {
		t.Fatalf("expected no notifications after deregistration, got %d", calls)
	}
}

func TestObserveHandleReset(t *testing.T) {
	var mid uint16
	reg := NewObservationRegistry(nil, func() uint16 { mid++; return mid })
	reg.Register("/p", "a", []byte{9}, 0, false, func(m *Message) error { return nil })
	reg.Notify("/p", []byte("v"), TextPlain)

	subs := reg.Subscribers("/p")
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", len(subs))
	}
	lastMID := subs[0].lastMessageID

	if !reg.HandleReset("a", lastMID) {
		t.Fatal("expected HandleReset to find the subscriber by its last message ID")
	}
	if len(reg.Subscribers("/p")) != 0 {
		t.Fatal("expected the subscriber to be removed after RST")
	}
}

func TestObserveNewerWrapAround(t *testing.T) {
	now := time.Now()
	// a small forward delta is newer
	if !observeNewer(10, 20, now, now) {
		t.Fatal("20 should be newer than 10")
	}
	// a small forward delta the other way is not
	if observeNewer(20, 10, now, now) {
		t.Fatal("10 should not be newer than 20 without a large gap or wrap")
	}
	// a large backward delta (wrap around 2^24) is newer
	if !observeNewer(1<<24-1, 1, now, now) {
		t.Fatal("a wrapped-around small value should be newer than a near-max value")
	}
}
