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

	"github.com/sirupsen/logrus"
)

// Scope marks how far a published event is meant to travel. Only
// ScopeLocal is implemented; the others are accepted and logged so the
// wire semantics they'd need are reserved for a later cluster transport.
type Scope int

const (
	ScopeLocal Scope = iota
	ScopeCluster
	ScopeGlobal
)

func (s Scope) String() string {
	switch s {
	case ScopeLocal:
		return "local"
	case ScopeCluster:
		return "cluster"
	case ScopeGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// EventBus is a process-local address-keyed publish/subscribe point. A
// Server bridges bus addresses to observable resource paths with OnEvent;
// anything else in-process can publish to an address with Publish.
// Grounded on the Broker/Subscribe/Publish shape in the retrieval pack's
// pub-sub reference, trimmed to this module's needs: no persistence, acks,
// retry, or wildcard topics, since a single in-process fan-out is all an
// observable resource's value stream requires.
type EventBus struct {
	log *logrus.Entry

	mu   sync.RWMutex
	subs map[string][]func(interface{})
}

// NewEventBus creates an empty bus.
func NewEventBus(log *logrus.Entry) *EventBus {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &EventBus{log: log, subs: make(map[string][]func(interface{}))}
}

// Subscribe registers fn to run on every value published to address.
func (b *EventBus) Subscribe(address string, fn func(interface{})) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[address] = append(b.subs[address], fn)
}

// Publish delivers value to every subscriber of address. ScopeCluster and
// ScopeGlobal still deliver locally; they additionally log that a
// non-local scope was requested, since no cluster transport exists yet.
func (b *EventBus) Publish(scope Scope, address string, value interface{}) {
	if scope != ScopeLocal {
		b.log.WithField("scope", scope.String()).WithField("address", address).
			Warn("eventbus: non-local scope requested, delivering locally only")
	}
	b.mu.RLock()
	fns := append([]func(interface{}){}, b.subs[address]...)
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(value)
	}
}
