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
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Reliability transmission parameters, RFC 7252 section 4.8.
const (
	AckTimeout       = 2 * time.Second
	AckRandomFactor  = 1.5
	MaxRetransmit    = 4
	ExchangeLifetime = 247 * time.Second
	tickInterval     = 100 * time.Millisecond
)

// PendingTransmission tracks one unacknowledged confirmable message.
type PendingTransmission struct {
	Remote    string
	MessageID uint16
	Data      []byte

	deadline time.Time
	timeout  time.Duration
	attempts int

	// Send re-transmits Data to Remote.
	Send func(data []byte) error
	// OnAck is invoked once, with the ACK/RST payload (may be nil), when a
	// matching acknowledgement or reset arrives.
	OnAck func(ackPayload []byte, isReset bool)
	// OnFail is invoked once, with ErrTransmitFail, if MaxRetransmit is exceeded.
	OnFail func(err error)
}

type exchangeEntry struct {
	response []byte
	expires  time.Time
}

// ReliabilityEngine guarantees delivery of confirmable messages over
// unreliable transport and deduplicates repeated requests within
// ExchangeLifetime. Grounded on the retransmit-worker shape of a UDP
// reliability manager in the example corpus: a mutex-guarded map, a coarse
// background tick, and a done channel for shutdown.
type ReliabilityEngine struct {
	log *logrus.Entry

	mu      sync.Mutex
	pending map[string]*PendingTransmission

	exMu      sync.Mutex
	exchanges map[string]exchangeEntry

	done    chan struct{}
	running bool
}

func pendingKey(remote string, messageID uint16) string {
	return fmt.Sprintf("%s#%d", remote, messageID)
}

// NewReliabilityEngine creates an engine with no background goroutine
// started; call Start to begin ticking.
func NewReliabilityEngine(log *logrus.Entry) *ReliabilityEngine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ReliabilityEngine{
		log:       log,
		pending:   make(map[string]*PendingTransmission),
		exchanges: make(map[string]exchangeEntry),
		done:      make(chan struct{}),
	}
}

// Start begins the retransmit tick and the exchange ledger sweep.
func (e *ReliabilityEngine) Start() {
	if e.running {
		return
	}
	e.running = true
	go e.tickLoop()
}

// Stop halts the background goroutine. Safe to call more than once.
func (e *ReliabilityEngine) Stop() {
	if !e.running {
		return
	}
	e.running = false
	close(e.done)
}

func (e *ReliabilityEngine) tickLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case now := <-ticker.C:
			e.tick(now)
			e.sweepExchanges(now)
		}
	}
}

// tick retransmits every pending entry whose deadline has passed.
func (e *ReliabilityEngine) tick(now time.Time) {
	var toRetransmit []*PendingTransmission
	var toFail []*PendingTransmission

	e.mu.Lock()
	for key, p := range e.pending {
		if now.Before(p.deadline) {
			continue
		}
		if p.attempts >= MaxRetransmit {
			delete(e.pending, key)
			toFail = append(toFail, p)
			continue
		}
		p.attempts++
		p.timeout *= 2
		p.deadline = now.Add(p.timeout)
		toRetransmit = append(toRetransmit, p)
	}
	e.mu.Unlock()

	for _, p := range toRetransmit {
		if err := p.Send(p.Data); err != nil {
			e.log.WithError(err).WithField("remote", p.Remote).Warn("retransmit send failed")
		}
	}
	for _, p := range toFail {
		e.log.WithField("remote", p.Remote).WithField("mid", p.MessageID).Warn("exhausted retransmit attempts")
		if p.OnFail != nil {
			p.OnFail(ErrTransmitFail)
		}
	}
}

// Track registers a confirmable message for retransmission. The caller
// supplies the already-sent initial transmission; Track schedules the next
// retry at a jittered ACK_TIMEOUT per RFC 7252 section 4.8.
func (e *ReliabilityEngine) Track(p *PendingTransmission) {
	p.timeout = jitteredTimeout()
	p.deadline = time.Now().Add(p.timeout)
	key := pendingKey(p.Remote, p.MessageID)
	e.mu.Lock()
	e.pending[key] = p
	e.mu.Unlock()
}

func jitteredTimeout() time.Duration {
	span := float64(AckTimeout) * (AckRandomFactor - 1)
	return AckTimeout + time.Duration(rand.Float64()*span)
}

// Ack removes and resolves the pending transmission matching (remote, messageID),
// delivering payload to OnAck. It returns false if no entry was pending.
func (e *ReliabilityEngine) Ack(remote string, messageID uint16, payload []byte, isReset bool) bool {
	key := pendingKey(remote, messageID)
	e.mu.Lock()
	p, ok := e.pending[key]
	if ok {
		delete(e.pending, key)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	if p.OnAck != nil {
		p.OnAck(payload, isReset)
	}
	return true
}

// Cancel removes a pending transmission without invoking any callback,
// used when a client request's own timeout fires first.
func (e *ReliabilityEngine) Cancel(remote string, messageID uint16) {
	key := pendingKey(remote, messageID)
	e.mu.Lock()
	delete(e.pending, key)
	e.mu.Unlock()
}

// --- Exchange ledger (deduplication) ---

// RememberExchange records the response sent for (remote, messageID) so
// that a duplicate request within ExchangeLifetime replays it byte-for-byte
// instead of re-invoking the handler.
func (e *ReliabilityEngine) RememberExchange(remote string, messageID uint16, response []byte) {
	key := pendingKey(remote, messageID)
	e.exMu.Lock()
	e.exchanges[key] = exchangeEntry{response: response, expires: time.Now().Add(ExchangeLifetime)}
	e.exMu.Unlock()
}

// LookupExchange returns the cached response for (remote, messageID), if
// one is still within ExchangeLifetime.
func (e *ReliabilityEngine) LookupExchange(remote string, messageID uint16) ([]byte, bool) {
	key := pendingKey(remote, messageID)
	e.exMu.Lock()
	defer e.exMu.Unlock()
	entry, ok := e.exchanges[key]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.response, true
}

func (e *ReliabilityEngine) sweepExchanges(now time.Time) {
	e.exMu.Lock()
	defer e.exMu.Unlock()
	for key, entry := range e.exchanges {
		if now.After(entry.expires) {
			delete(e.exchanges, key)
		}
	}
}
