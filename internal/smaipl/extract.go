package smaipl

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Rule names one place an answer may live in a response, as a dotted path.
// Numeric segments index into arrays, so "choices.0.message.content" reads
// an OpenAI-style completion.
type Rule struct {
	Path string
}

// Rules are applied in order; the first one yielding a non-empty string wins.
type Rules []Rule

// ParseRules builds Rules from a comma-separated list of paths.
func ParseRules(csv string) Rules {
	var rules Rules
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		rules = append(rules, Rule{Path: p})
	}
	return rules
}

// Extract returns the answer held in body. When no rule matches, or body is
// not JSON, the raw body is returned with matched=false so the caller still
// has something to show.
func (r Rules) Extract(body []byte) (answer string, matched bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return rawBody(body), false
	}
	if s, ok := doc.(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s), true
	}
	for _, rule := range r {
		v, ok := lookup(doc, rule.Path)
		if !ok {
			continue
		}
		if s, ok := stringValue(v); ok {
			return s, true
		}
	}
	return rawBody(body), false
}

func lookup(doc any, path string) (any, bool) {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func stringValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

func rawBody(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "(empty response)"
	}
	var out bytes.Buffer
	if json.Valid(trimmed) && json.Indent(&out, trimmed, "", "  ") == nil {
		return out.String()
	}
	return string(trimmed)
}
