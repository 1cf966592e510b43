package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON returns the first complete JSON object or array embedment
// in model output. Models wrap JSON in prose or markdown fences; this
// prefers the first fenced block, then falls back to scanning the whole
// text for balanced delimiters, ignoring braces inside string literals.
func ExtractJSON(s string) (string, error) {
	if fenced, ok := fencedBlock(s); ok {
		if v, ok := scanJSON(fenced); ok {
			return v, nil
		}
	}
	if v, ok := scanJSON(s); ok {
		return v, nil
	}
	return "", ErrNoJSON
}

// ExtractInto extracts JSON from model output and unmarshals it.
func ExtractInto(s string, v any) error {
	raw, err := ExtractJSON(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("llm: unmarshal extracted JSON: %w", err)
	}
	return nil
}

// fencedBlock returns the content of the first ``` fence, with any
// language tag on the opening line dropped.
func fencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// The opening line holds the language tag, if any.
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// scanJSON finds the first balanced JSON object or array in s and
// verifies it parses.
func scanJSON(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate, true
				}
				return "", false
			}
		}
	}
	return "", false
}
