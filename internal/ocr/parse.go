package ocr

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ycm360/cafemx/internal/model"
)

// ParseError reports a provider answer that contained no parseable JSON object.
type ParseError struct {
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ocr: failed to parse recognition response: %v", e.Err)
	}
	return "ocr: failed to parse recognition response: no JSON object found"
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExtractJSON returns the first balanced JSON object in text that decodes
// successfully, ignoring any commentary or code fences around it. Braces
// inside string literals are not counted.
func ExtractJSON(text string) (map[string]any, json.RawMessage, error) {
	var lastErr error
	for start := strings.IndexByte(text, '{'); start >= 0; {
		end := matchBrace(text, start)
		if end < 0 {
			break
		}
		candidate := text[start : end+1]
		var obj map[string]any
		err := json.Unmarshal([]byte(candidate), &obj)
		if err == nil {
			return obj, json.RawMessage(candidate), nil
		}
		lastErr = err

		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, nil, &ParseError{Text: text, Err: lastErr}
}

// matchBrace returns the index of the '}' closing the '{' at start, or -1.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
				return i
			}
		}
	}
	return -1
}

// coerce builds a result from a decoded payload. Numbers are kept only when
// they are JSON numbers, strings only when non-empty, the category only when
// it is a known value. Confidence is clamped to [0,1].
func coerce(payload map[string]any) *model.OCRResult {
	r := &model.OCRResult{
		Date:             stringField(payload, "fecha"),
		Total:            numberField(payload, "total"),
		Subtotal:         numberField(payload, "subtotal"),
		Tax:              numberField(payload, "iva"),
		IssuerTaxID:      stringField(payload, "rfc_emisor"),
		IssuerName:       stringField(payload, "nombre_emisor"),
		Description:      stringField(payload, "concepto"),
		ValidationErrors: []string{},
	}
	if s, ok := payload["categoria"].(string); ok {
		if c, ok := model.ParseCategory(s); ok {
			r.Category = &c
		}
	}
	if c, ok := payload["confidence"].(float64); ok {
		r.Confidence = clamp01(c)
	}
	return r
}

func stringField(payload map[string]any, key string) *string {
	s, ok := payload[key].(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func numberField(payload map[string]any, key string) *float64 {
	f, ok := payload[key].(float64)
	if !ok {
		return nil
	}
	return &f
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
