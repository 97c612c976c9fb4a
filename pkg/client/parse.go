package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/menta2k/annotation-cropper/pkg/types"
)

// ErrNoJSON is returned when a model reply carries no JSON object at all
var ErrNoJSON = errors.New("no JSON object in model response")

var reTrailingComma = regexp.MustCompile(`,(\s*[}\]])`)

// ParseLocateResult reads the object list a vision model returned. Models often
// wrap JSON in prose or code fences, so the reply is sanitised first. A reply
// that is a bare array is accepted as the object list.
func ParseLocateResult(raw string) (*types.LocateResult, error) {
	trimmed := strings.TrimSpace(stripFences(raw))

	// Well-formed replies are taken as they are
	var result types.LocateResult
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &result) == nil {
		return &result, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var objects []types.LocatedObject
		if err := json.Unmarshal([]byte(cleanJSON(trimmed)), &objects); err == nil {
			return &types.LocateResult{Objects: objects}, nil
		}
	}

	cleaned := SanitizeModelJSON(raw)
	if !strings.HasPrefix(cleaned, "{") {
		return nil, ErrNoJSON
	}

	result = types.LocateResult{}
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}
	return &result, nil
}

// SanitizeModelJSON removes code fences, comments and trailing commas and keeps
// only the outermost {...} of a model reply
func SanitizeModelJSON(raw string) string {
	raw = cleanJSON(stripFences(raw))

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

func stripFences(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	return strings.Trim(strings.TrimSpace(raw), "`")
}

func cleanJSON(raw string) string {
	raw = stripComments(raw)
	raw = reTrailingComma.ReplaceAllString(raw, "$1")
	return strings.TrimSpace(raw)
}

// stripComments drops // and /* */ comments that sit outside string literals
func stripComments(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	inString, escaped := false, false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			b.WriteByte(ch)
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

		switch {
		case ch == '"':
			inString = true
			b.WriteByte(ch)
		case ch == '/' && i+1 < len(raw) && raw[i+1] == '/':
			for i < len(raw) && raw[i] != '\n' {
				i++
			}
			if i < len(raw) {
				b.WriteByte('\n')
			}
		case ch == '/' && i+1 < len(raw) && raw[i+1] == '*':
			end := strings.Index(raw[i+2:], "*/")
			if end < 0 {
				return b.String()
			}
			i += end + 3
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
