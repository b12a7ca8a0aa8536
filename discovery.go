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
	"strconv"
	"strings"
)

// WellKnownCorePath is the RFC 6690 discovery resource path.
const WellKnownCorePath = "/.well-known/core"

// RenderLinkFormat builds the application/link-format body for /.well-known/core:
// a comma-separated list of <path>;attr=value;... entries, one per route with
// non-empty discovery metadata, in registration order.
func RenderLinkFormat(routes []*Route) []byte {
	var entries []string
	for _, r := range routes {
		if r.Attrs.IsEmpty() {
			continue
		}
		entries = append(entries, renderEntry(r))
	}
	return []byte(strings.Join(entries, ","))
}

func renderEntry(r *Route) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString("/" + strings.Trim(r.Pattern, "/"))
	b.WriteByte('>')

	a := r.Attrs
	if a.Title != "" {
		b.WriteString(`;title="` + a.Title + `"`)
	}
	if len(a.RT) > 0 {
		b.WriteString(`;rt="` + strings.Join(a.RT, " ") + `"`)
	}
	if len(a.IF) > 0 {
		b.WriteString(`;if="` + strings.Join(a.IF, " ") + `"`)
	}
	if len(a.CT) > 0 {
		cts := make([]string, len(a.CT))
		for i, ct := range a.CT {
			cts[i] = strconv.Itoa(ct)
		}
		b.WriteString(`;ct=` + strings.Join(cts, " "))
	}
	if a.SZ > 0 {
		b.WriteString(";sz=" + strconv.Itoa(a.SZ))
	}
	if a.Obs {
		b.WriteString(";obs")
	}
	return b.String()
}
