package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// MaxSalvageRetries bounds the correction-turn retry loop (spec.md §6).
const MaxSalvageRetries = 3

// Salvage attempts to parse raw as JSON after stripping a byte-order-mark
// and markdown code fences, locating the first balanced object or array,
// and soft-repairing trailing commas. It is the one legitimately
// stdlib-only piece of the external-interface layer: no JSON-repair library
// appears anywhere in the retrieval pack (see DESIGN.md).
func Salvage(raw string) (any, error) {
	cleaned := stripBOM(raw)
	cleaned = stripCodeFences(cleaned)
	candidate, ok := locateBalancedJSON(cleaned)
	if !ok {
		return nil, fmt.Errorf("model: salvage: no balanced JSON object or array found")
	}
	repaired := softRepair(candidate)

	var parsed any
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
		return nil, fmt.Errorf("model: salvage: %w", err)
	}
	return parsed, nil
}

func stripBOM(s string) string {
	return strings.TrimPrefix(s, "\xef\xbb\xbf")
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	// drop the opening fence line (possibly "```json") and a trailing
	// closing fence line, if present.
	lines = lines[1:]
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// locateBalancedJSON scans s for the first top-level balanced {...} or
// [...] span, respecting string literals and escapes so braces inside
// strings don't confuse the bracket counter.
func locateBalancedJSON(s string) (string, bool) {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start == -1 {
		return "", false
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
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// softRepair fixes the most common LLM JSON mistakes: trailing commas
// before a closing bracket/brace, and bare Python-style literals.
func softRepair(s string) string {
	s = replaceTrailingCommas(s)
	s = strings.ReplaceAll(s, ": True", ": true")
	s = strings.ReplaceAll(s, ": False", ": false")
	s = strings.ReplaceAll(s, ": None", ": null")
	return s
}

func replaceTrailingCommas(s string) string {
	var b strings.Builder
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
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
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			// look ahead past whitespace for a closing bracket/brace
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\n' || s[j] == '\t' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // drop the trailing comma
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// CompleteJSON wraps a Client.Complete call with salvage, making at most
// MaxSalvageRetries calls in total with a correction turn appended after
// each failed one, per spec.md §6.
func CompleteJSON(ctx context.Context, client Client, req Request) (any, Usage, error) {
	var totalUsage Usage
	messages := append([]Message{}, req.Messages...)

	var lastErr error
	for attempt := 0; attempt < MaxSalvageRetries; attempt++ {
		resp, err := client.Complete(ctx, Request{Messages: messages, Role: req.Role, ExpectJSON: true})
		if err != nil {
			return nil, totalUsage, fmt.Errorf("model: complete_json: %w", err)
		}
		totalUsage.PromptTokens += resp.Usage.PromptTokens
		totalUsage.CompletionTokens += resp.Usage.CompletionTokens
		totalUsage.CostUSD += resp.Usage.CostUSD

		if resp.Parsed != nil {
			return resp.Parsed, totalUsage, nil
		}
		parsed, salvageErr := Salvage(resp.Text)
		if salvageErr == nil {
			return parsed, totalUsage, nil
		}
		lastErr = salvageErr
		messages = append(messages,
			Message{Role: "assistant", Content: resp.Text},
			Message{Role: "user", Content: "Your previous reply was not valid JSON. Reply again with only a single valid JSON object or array, no commentary, no code fences."},
		)
	}
	return nil, totalUsage, fmt.Errorf("model: complete_json: exhausted %d retries: %w", MaxSalvageRetries, lastErr)
}
