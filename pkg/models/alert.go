// Package models defines the domain types shared across the RunbookPilot
// engine: alerts, runbooks, executions, approvals, audit entries, and
// simulation reports.
package models

import (
	"strconv"
	"strings"
)

// Alert is an ECS-shaped alert record. The engine treats everything except
// @timestamp and event.kind as opaque; nested fields are reached through
// Field path accessors.
type Alert map[string]any

// EventKind returns the value of event.kind, or "" when absent.
func (a Alert) EventKind() string {
	v, ok := a.Field("event.kind")
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Field resolves a dot-notation path against the alert, supporting
// name[index] array indexing on any segment (e.g. "threat.technique[0].id").
// Returns (nil, false) if any segment is missing or a non-mapping is
// traversed.
func (a Alert) Field(path string) (any, bool) {
	return ResolvePath(map[string]any(a), path)
}

// ResolvePath walks a dot-notation path through nested mappings and slices.
// Each segment may carry one or more [index] suffixes.
func ResolvePath(root any, path string) (any, bool) {
	current := root
	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			return nil, false
		}
		name, indexes, ok := parseSegment(segment)
		if !ok {
			return nil, false
		}
		if name != "" {
			m, ok := asMap(current)
			if !ok {
				return nil, false
			}
			current, ok = m[name]
			if !ok {
				return nil, false
			}
		}
		for _, idx := range indexes {
			arr, ok := asSlice(current)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
		}
	}
	return current, true
}

// parseSegment splits "name[0][1]" into ("name", [0, 1], true).
func parseSegment(segment string) (string, []int, bool) {
	open := strings.IndexByte(segment, '[')
	if open < 0 {
		return segment, nil, true
	}
	name := segment[:open]
	rest := segment[open:]
	var indexes []int
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, false
		}
		close := strings.IndexByte(rest, ']')
		if close < 0 {
			return "", nil, false
		}
		idx, err := strconv.Atoi(rest[1:close])
		if err != nil {
			return "", nil, false
		}
		indexes = append(indexes, idx)
		rest = rest[close+1:]
	}
	return name, indexes, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Alert:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	default:
		return nil, false
	}
}
