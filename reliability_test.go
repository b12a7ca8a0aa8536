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

// TestReliabilityExhaustsAfterMaxRetransmit drives the engine's tick
// function directly (no real clock) to verify that a confirmable message
// to an unresponsive peer is sent exactly MAX_RETRANSMIT times after its
// initial transmission, then reported as TRANSMIT_FAIL.
func TestReliabilityExhaustsAfterMaxRetransmit(t *testing.T) {
	e := NewReliabilityEngine(nil)

	sendCount := 0
	failed := false

	p := &PendingTransmission{
		Remote:    "10.0.0.1:5683",
		MessageID: 1,
		Data:      []byte("payload"),
		Send:      func([]byte) error { sendCount++; return nil },
		OnFail:    func(err error) { failed = true },
	}
	sendCount++ // the caller's own initial transmission, outside the engine
	e.Track(p)

	now := time.Now()
	for i := 0; i < MaxRetransmit; i++ {
		// force the deadline to have passed regardless of the jittered
		// timeout Track chose
		e.mu.Lock()
		for _, pending := range e.pending {
			pending.deadline = now
		}
		e.mu.Unlock()
		now = now.Add(time.Millisecond)
		e.tick(now)
	}

	if sendCount != 1+MaxRetransmit {
		t.Fatalf("sendCount = %d, want %d (1 initial + %d retransmits)", sendCount, 1+MaxRetransmit, MaxRetransmit)
	}
	if failed {
		t.Fatal("should not have failed yet: the loop above only exhausts the retry budget, the next tick reports failure")
	}

	e.mu.Lock()
	for _, pending := range e.pending {
		pending.deadline = now
	}
	e.mu.Unlock()
	e.tick(now.Add(time.Millisecond))

	if !failed {
		t.Fatal("expected OnFail to fire once MAX_RETRANSMIT is exceeded")
	}
	e.mu.Lock()
	n := len(e.pending)
	e.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected the pending entry to be removed after failing, got %d remaining", n)
	}
}

func TestReliabilityAckRemovesPending(t *testing.T) {
	e := NewReliabilityEngine(nil)
	acked := false
	e.Track(&PendingTransmission{
		Remote:    "peer",
		MessageID: 5,
		Data:      []byte("x"),
		Send:      func([]byte) error { return nil },
		OnAck:     func(payload []byte, isReset bool) { acked = true },
	})
	if !e.Ack("peer", 5, nil, false) {
		t.Fatal("Ack should report the entry was pending")
	}
	if !acked {
		t.Fatal("OnAck should have fired")
	}
	if e.Ack("peer", 5, nil, false) {
		t.Fatal("a second Ack for the same (remote, messageID) should find nothing pending")
	}
}

func TestExchangeDeduplication(t *testing.T) {
	e := NewReliabilityEngine(nil)
	if _, ok := e.LookupExchange("peer", 1); ok {
		t.Fatal("expected no cached exchange before RememberExchange")
	}
	e.RememberExchange("peer", 1, []byte("response"))
	resp, ok := e.LookupExchange("peer", 1)
	if !ok || string(resp) != "response" {
		t.Fatalf("LookupExchange = %q, %v; want \"response\", true", resp, ok)
	}
}

func TestExchangeSweepExpires(t *testing.T) {
	e := NewReliabilityEngine(nil)
	e.RememberExchange("peer", 1, []byte("response"))
	e.sweepExchanges(time.Now().Add(ExchangeLifetime + time.Second))
	if _, ok := e.LookupExchange("peer", 1); ok {
		t.Fatal("expected the exchange entry to be swept after ExchangeLifetime")
	}
}
