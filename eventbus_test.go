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

import "testing"

func TestEventBusDeliversToAllSubscribers(t *testing.T) {
	b := NewEventBus(nil)
	var a, c int
	b.Subscribe("temp", func(v interface{}) { a = v.(int) })
	b.Subscribe("temp", func(v interface{}) { c = v.(int) })

	b.Publish(ScopeLocal, "temp", 42)

	if a != 42 || c != 42 {
		t.Fatalf("a=%d c=%d, want both 42", a, c)
	}
}

func TestEventBusNonLocalScopeStillDeliversLocally(t *testing.T) {
	b := NewEventBus(nil)
	got := -1
	b.Subscribe("x", func(v interface{}) { got = v.(int) })
	b.Publish(ScopeCluster, "x", 7)
	if got != 7 {
		t.Fatalf("expected ScopeCluster to still deliver locally, got %d", got)
	}
}

func TestEventBusPublishToUnknownAddressIsNoop(t *testing.T) {
	b := NewEventBus(nil)
	// must not panic with no subscribers registered
	b.Publish(ScopeLocal, "nobody-home", 1)
}
