// Package repair recovers a JSON document from a free-form model answer.
//
// A strict parse is tried first. If that fails, an ordered list of named
// strategies rewrites the text; each pass feeds the outputs of the previous
// one back through the list, up to a fixed number of passes.
package repair

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrUnrepairable is returned when no strategy yields a JSON object or array.
var ErrUnrepairable = errors.New("no JSON document found")

// Strategy rewrites a candidate answer. Apply reports false when the
// strategy does not apply to the input.
type Strategy struct {
	Name  string
	Apply func(string) (string, bool)
}

// Strategies is the default ordered list.
var Strategies = []Strategy{
	{Name: "fenced-json", Apply: fencedJSON},
	{Name: "fenced-block", Apply: fencedBlock},
	{Name: "outer-span", Apply: outerSpan},
	{Name: "trim-trailing", Apply: trimTrailing},
	{Name: "close-structures", Apply: closeStructures},
}

// Result is a repaired document.
type Result struct {
	// JSON is the compacted document.
	JSON json.RawMessage
	// Strategy names the strategies applied, joined with "+". Empty when
	// the answer parsed as-is.
	Strategy string
}

type candidate struct {
	text string
	path []string
}

// Parse returns the JSON document in raw, running up to passes rounds of
// strategies when the strict parse fails.
func Parse(raw string, passes int) (Result, error) {
	return ParseWith(raw, passes, Strategies)
}

// ParseWith is Parse with a custom strategy list.
func ParseWith(raw string, passes int, strategies []Strategy) (Result, error) {
	if doc, ok := document(raw); ok {
		return Result{JSON: doc}, nil
	}

	seen := map[string]bool{raw: true}
	current := []candidate{{text: raw}}
	for pass := 0; pass < passes && len(current) > 0; pass++ {
		var next []candidate
		for _, c := range current {
			for _, s := range strategies {
				out, ok := s.Apply(c.text)
				if !ok || seen[out] {
					continue
				}
				seen[out] = true
				path := append(append([]string(nil), c.path...), s.Name)
				if doc, ok := document(out); ok {
					return Result{JSON: doc, Strategy: strings.Join(path, "+")}, nil
				}
				next = append(next, candidate{text: out, path: path})
			}
		}
		current = next
	}
	return Result{}, fmt.Errorf("%w after %d passes", ErrUnrepairable, passes)
}

// document reports whether s is a JSON object or array and returns it compacted.
func document(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return nil, false
	}
	if !gjson.Valid(s) {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

const fence = "```"

func fencedJSON(s string) (string, bool) {
	_, after, ok := strings.Cut(s, fence+"json")
	if !ok {
		return "", false
	}
	body, _, ok := strings.Cut(after, fence)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(body), true
}

// fencedBlock returns the first fenced block whose body starts like a
// JSON document, ignoring a language tag on the opening fence.
func fencedBlock(s string) (string, bool) {
	parts := strings.Split(s, fence)
	for i := 1; i < len(parts)-1; i += 2 {
		body := parts[i]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
			body = body[nl+1:]
		}
		body = strings.TrimSpace(body)
		if body != "" && (body[0] == '{' || body[0] == '[') {
			return body, true
		}
	}
	return "", false
}

// outerSpan returns the text from the first opening bracket to the last
// matching closing bracket.
func outerSpan(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// trimTrailing cuts the text after the first top-level document closes.
func trimTrailing(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	st := scan(s[start:])
	if st.end < 0 {
		return "", false
	}
	out := s[start : start+st.end+1]
	return out, len(out) < len(s)
}

// closeStructures terminates an open string and appends the closers of
// every bracket still open at the end of the text.
func closeStructures(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	body := s[start:]
	st := scan(body)
	if st.end >= 0 || len(st.stack) == 0 {
		return "", false
	}

	var b strings.Builder
	b.WriteString(body)
	if st.inString {
		b.WriteByte('"')
	}
	out := strings.TrimRight(b.String(), " \t\r\n")
	out = strings.TrimSuffix(out, ",")
	out = strings.TrimSuffix(out, ":")
	b.Reset()
	b.WriteString(out)
	for i := len(st.stack) - 1; i >= 0; i-- {
		if st.stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String(), true
}

type scanState struct {
	stack    []byte
	inString bool
	// end is the index where the outermost structure closes, or -1.
	end int
}

func scan(s string) scanState {
	st := scanState{end: -1}
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if st.inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				st.inString = false
			}
			continue
		}
		switch ch {
		case '"':
			st.inString = true
		case '{', '[':
			st.stack = append(st.stack, ch)
		case '}', ']':
			if len(st.stack) == 0 {
				continue
			}
			st.stack = st.stack[:len(st.stack)-1]
			if len(st.stack) == 0 {
				st.end = i
				return st
			}
		}
	}
	return st
}
