// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package agent

import (
	"encoding/json"
	"sort"
	"strings"
)

// Signature returns the canonical, order-independent form of a set of
// action requests. Respond requests are ignored. Object keys are sorted by
// encoding/json, so equal arguments serialize identically.
func Signature(reqs []ActionRequest) string {
	type entry struct {
		name string
		args string
	}
	entries := make([]entry, 0, len(reqs))
	for _, r := range reqs {
		if r.Control == ControlRespond {
			continue
		}
		b, err := json.Marshal(r.Args)
		if err != nil {
			b = []byte(EncodeArguments(r.Args))
		}
		entries = append(entries, entry{name: r.Name, args: string(b)})
	}
	if len(entries) == 0 {
		return ""
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].name != entries[j].name {
			return entries[i].name < entries[j].name
		}
		return entries[i].args < entries[j].args
	})

	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.name)
		b.WriteByte('\t')
		b.WriteString(e.args)
	}
	return b.String()
}

// actionNames returns the sorted, de-duplicated names of real actions.
func actionNames(reqs []ActionRequest) []string {
	seen := make(map[string]bool)
	var names []string
	for _, r := range reqs {
		if r.Control == ControlRespond || seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}
