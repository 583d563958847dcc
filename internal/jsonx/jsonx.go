// Package jsonx extracts JSON objects from the noisy free-text an LLM
// returns: fenced blocks, surrounding prose, smart quotes, trailing commas,
// and comments.
package jsonx

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrNoObject means no JSON object could be recovered from the text.
var ErrNoObject = errors.New("no JSON object found in text")

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractObject recovers the first JSON object from free text. It tries, in
// order: the whole text, a fenced code block, and balanced-brace extraction;
// each candidate is normalized before the parse attempt.
func ExtractObject(text string) (json.RawMessage, error) {
	candidates := []string{strings.TrimSpace(text)}
	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}
	if obj := balancedObject(text); obj != "" {
		candidates = append(candidates, obj)
	}

	for _, c := range candidates {
		if c == "" {
			continue
		}
		if json.Valid([]byte(c)) && strings.HasPrefix(c, "{") {
			return json.RawMessage(c), nil
		}
		n := Normalize(c)
		if json.Valid([]byte(n)) && strings.HasPrefix(n, "{") {
			return json.RawMessage(n), nil
		}
	}
	return nil, ErrNoObject
}

// balancedObject returns the first brace-balanced object in s, honoring
// string literals so braces inside strings do not count.
func balancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

var (
	smartQuotes    = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")
	trailingComma  = regexp.MustCompile(`,\s*([}\]])`)
	lineComment    = regexp.MustCompile(`(?m)^\s*//.*$`)
	blockComment   = regexp.MustCompile(`(?s)/\*.*?\*/`)
	unquotedKeyRe  = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	controlCharsRe = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
)

// Normalize repairs the common LLM JSON defects: smart quotes, trailing
// commas, // and /* */ comments, unquoted keys, stray control characters.
// The result may still be invalid; callers re-validate.
func Normalize(s string) string {
	s = smartQuotes.Replace(s)
	s = blockComment.ReplaceAllString(s, "")
	s = lineComment.ReplaceAllString(s, "")
	s = trailingComma.ReplaceAllString(s, "$1")
	s = unquotedKeyRe.ReplaceAllString(s, `$1"$2":`)
	s = controlCharsRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
