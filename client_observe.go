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
	"sync"
	"time"
)

// Subscription is the client-side handle to one active observation.
type Subscription struct {
	Token []byte
	Path  string

	onNotify func(*Message)

	mu        sync.Mutex
	haveSeq   bool
	lastSeq   uint32
	lastTime  time.Time
}

// seedSeq primes the freshness comparator with the Observe sequence number
// carried on the registration response, so a notification racing the
// registration itself is still ordered correctly.
func (s *Subscription) seedSeq(seq uint32) {
	s.mu.Lock()
	s.lastSeq = seq
	s.haveSeq = true
	s.lastTime = time.Now()
	s.mu.Unlock()
}

// observeClientRegistry tracks this client's outstanding subscriptions by
// token, delivering notifications in strictly increasing Observe order and
// dropping reordered or duplicate ones per RFC 7641 section 3.4.
type observeClientRegistry struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

func newObserveClientRegistry() *observeClientRegistry {
	return &observeClientRegistry{subs: make(map[string]*Subscription)}
}

// Register begins tracking a new subscription for the given token.
func (r *observeClientRegistry) Register(token []byte, path string, onNotify func(*Message)) *Subscription {
	sub := &Subscription{Token: token, Path: path, onNotify: onNotify}
	r.mu.Lock()
	r.subs[string(token)] = sub
	r.mu.Unlock()
	return sub
}

// Cancel stops tracking the subscription for token; it does not itself send
// the deregistering GET (Observe=1) - that is the caller's responsibility.
func (r *observeClientRegistry) Cancel(token []byte) {
	r.mu.Lock()
	delete(r.subs, string(token))
	r.mu.Unlock()
}

// Deliver routes an incoming notification to its subscription, if any,
// applying the RFC 7641 freshness comparison so a reordered or duplicate
// notification is silently dropped. It reports whether msg was consumed as
// an observe notification.
func (r *observeClientRegistry) Deliver(msg *Message) bool {
	r.mu.Lock()
	sub, ok := r.subs[string(msg.Token)]
	r.mu.Unlock()
	if !ok {
		return false
	}

	seqVal, hasSeq := msg.Option(Observe).(uint32)
	now := time.Now()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if hasSeq && sub.haveSeq && !observeNewer(sub.lastSeq, seqVal, sub.lastTime, now) {
		return true // stale notification, dropped
	}
	if hasSeq {
		sub.lastSeq = seqVal
		sub.haveSeq = true
	}
	sub.lastTime = now
	if sub.onNotify != nil {
		sub.onNotify(msg)
	}
	return true
}
