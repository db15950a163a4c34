package investigation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	validator "github.com/santhosh-tekuri/jsonschema/v6"
)

// ParseReport decodes a model answer into an IncidentReport. The answer may
// be bare JSON, JSON fenced in a code block or JSON surrounded by prose.
// Small syntax slips such as trailing commas or unclosed brackets are
// repaired locally before the result is checked against the report schema.
// A value cut off inside a string is never completed.
func ParseReport(raw string) (*IncidentReport, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("empty output")
	}

	candidate := unfence(raw)
	report, firstErr := decodeReport(candidate)
	if firstErr == nil {
		return report, nil
	}

	repaired := closeOpenJSON(dropTrailingCommas(candidate))
	if report, err := decodeReport(repaired); err == nil {
		return report, nil
	}

	if obj := firstObject(raw); obj != "" && obj != candidate {
		if report, err := decodeReport(closeOpenJSON(dropTrailingCommas(obj))); err == nil {
			return report, nil
		}
	}

	return nil, firstErr
}

var (
	reJSONFence = regexp.MustCompile("(?s)```json\\s*\\n?(.*?)```")
	reAnyFence  = regexp.MustCompile("(?s)```\\s*\\n?(.*?)```")
)

// unfence returns the body of a ```json block, or of a bare ``` block that
// holds an object, or the trimmed input.
func unfence(raw string) string {
	if m := reJSONFence.FindStringSubmatch(raw); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	if m := reAnyFence.FindStringSubmatch(raw); len(m) > 1 {
		if body := strings.TrimSpace(m[1]); strings.HasPrefix(body, "{") {
			return body
		}
	}
	return strings.TrimSpace(raw)
}

// scanJSON calls fn for every byte of s that lies outside a string literal.
// Quotes themselves are reported as outside.
func scanJSON(s string, fn func(i int, c byte) bool) (inString bool) {
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
			continue
		case inString && c == '\\':
			escaped = true
			continue
		case c == '"':
			inString = !inString
		case inString:
			continue
		}
		if !fn(i, c) {
			break
		}
	}
	return inString
}

// firstObject returns the first balanced {...} in s, or everything from the
// first brace when the object is cut off.
func firstObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	end := -1
	depth := 0
	scanJSON(s[start:], func(i int, c byte) bool {
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = start + i + 1
				return false
			}
		}
		return true
	})
	if end < 0 {
		return s[start:]
	}
	return s[start:end]
}

// dropTrailingCommas removes commas that directly precede } or ].
func dropTrailingCommas(s string) string {
	skip := map[int]bool{}
	scanJSON(s, func(i int, c byte) bool {
		if c != ',' {
			return true
		}
		rest := strings.TrimLeft(s[i+1:], " \t\r\n")
		if rest != "" && (rest[0] == '}' || rest[0] == ']') {
			skip[i] = true
		}
		return true
	})
	if len(skip) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if !skip[i] {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// closeOpenJSON closes open brackets. Input that ends inside a string
// literal is returned unchanged so that it fails to decode.
func closeOpenJSON(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	var open []byte
	inString := scanJSON(s, func(_ int, c byte) bool {
		switch c {
		case '{':
			open = append(open, '}')
		case '[':
			open = append(open, ']')
		case '}', ']':
			if n := len(open); n > 0 && open[n-1] == c {
				open = open[:n-1]
			}
		}
		return true
	})
	if inString {
		return s
	}
	for i := len(open) - 1; i >= 0; i-- {
		s += string(open[i])
	}
	return s
}

// decodeReport parses one JSON candidate and validates it.
func decodeReport(s string) (*IncidentReport, error) {
	set, err := loadReportSchema()
	if err != nil {
		return nil, err
	}

	doc, err := validator.UnmarshalJSON(strings.NewReader(s))
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %T", doc)
	}
	coerceTextFields(obj)

	if err := set.compiled.Validate(obj); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	report := &IncidentReport{
		Severity:         obj["severity"].(string),
		Diagnostic:       obj["diagnostic"].(string),
		RemediationSteps: obj["remediation_steps"].(string),
	}
	if err := normalizeReport(report); err != nil {
		return nil, err
	}
	return report, nil
}

// coerceTextFields joins list-valued text fields into newline separated text.
// Models often answer remediation_steps with a list of steps.
func coerceTextFields(obj map[string]any) {
fields:
	for _, key := range []string{"diagnostic", "remediation_steps"} {
		items, ok := obj[key].([]any)
		if !ok {
			continue
		}
		lines := make([]string, 0, len(items))
		for _, it := range items {
			s, ok := it.(string)
			if !ok {
				continue fields
			}
			lines = append(lines, strings.TrimSpace(s))
		}
		obj[key] = strings.Join(lines, "\n")
	}
}

// normalizeReport trims every field and upper-cases the severity. Labels
// outside CRITICAL/WARNING/INFO are kept as given.
func normalizeReport(r *IncidentReport) error {
	r.Severity = strings.ToUpper(strings.TrimSpace(r.Severity))
	r.Diagnostic = strings.TrimSpace(r.Diagnostic)
	r.RemediationSteps = strings.TrimSpace(r.RemediationSteps)

	switch {
	case r.Severity == "":
		return errors.New("severity is required")
	case r.Diagnostic == "":
		return errors.New("diagnostic is required")
	case r.RemediationSteps == "":
		return errors.New("remediation_steps is required")
	}
	return nil
}
