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
	"strings"
	"testing"
)

func TestRenderLinkFormatOmitsEmptyAttributes(t *testing.T) {
	r := NewRouter()
	r.Handle(GET, "/ping", noopHandler, Attributes{})
	r.Handle(GET, "/sensors/temp", noopHandler, Attributes{
		Title: "temperature", RT: []string{"temperature"}, IF: []string{"sensor"}, CT: []int{0, 50}, Obs: true,
	})

	doc := string(RenderLinkFormat(r.Routes()))
	if strings.Contains(doc, "ping") {
		t.Fatalf("route with no discovery attributes should be omitted: %q", doc)
	}
	want := `</sensors/temp>;title="temperature";rt="temperature";if="sensor";ct=0 50;obs`
	if doc != want {
		t.Fatalf("got %q, want %q", doc, want)
	}
}

func TestRenderLinkFormatJoinsMultipleEntries(t *testing.T) {
	r := NewRouter()
	r.Handle(GET, "/a", noopHandler, Attributes{RT: []string{"a"}})
	r.Handle(GET, "/b", noopHandler, Attributes{RT: []string{"b"}})

	doc := string(RenderLinkFormat(r.Routes()))
	parts := strings.Split(doc, ",")
	if len(parts) != 2 {
		t.Fatalf("expected 2 comma-separated entries, got %d: %q", len(parts), doc)
	}
	if !strings.HasPrefix(parts[0], "</a>") || !strings.HasPrefix(parts[1], "</b>") {
		t.Fatalf("expected registration order a,b: %q", doc)
	}
}
