// Package strings holds small helpers for list-valued settings such as node
// addresses and replica ids.
package strings

import (
	"strings"
)

// Dedupe applies normalize to each value and keeps the first occurrence of
// every non-empty result, preserving order. A nil normalize keeps values as
// they are.
func Dedupe(values []string, normalize func(string) string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if normalize != nil {
			v = normalize(v)
		}
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// DedupeAndTrim trims each value and drops blanks and repeats.
//
//	DedupeAndTrim([]string{" node-a ", "node-b", "node-a", ""})
//	// []string{"node-a", "node-b"}
func DedupeAndTrim(values []string) []string {
	return Dedupe(values, strings.TrimSpace)
}

// SplitList splits a comma separated setting such as
// "localhost:9092, localhost:9093" into trimmed unique entries.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return DedupeAndTrim(strings.Split(s, ","))
}
