package conversion

import (
	"fmt"
	"strings"

	"github.com/raphaelgruber/moduleconv/internal/models"
)

// Warnings attached to otherwise valid output.
const (
	WarnMarkers = "Code contains TODO/FIXME markers"
	WarnShort   = "Generated code seems very short"
)

// minCodeLength is the length below which output is flagged as short.
const minCodeLength = 50

// Validation is the result of checking generated code.
type Validation struct {
	IsValid      bool
	Errors       []string
	Warnings     []string
	ChecksPassed []string
}

// Map renders v for the step's output snapshot.
func (v Validation) Map() map[string]any {
	return map[string]any{
		"is_valid":      v.IsValid,
		"errors":        nonNil(v.Errors),
		"warnings":      nonNil(v.Warnings),
		"checks_passed": nonNil(v.ChecksPassed),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Validate runs the basic checks and, when the template carries a
// validation schema, its required_markers check. Only empty output and
// schema violations make the result invalid.
func Validate(tpl models.Template, code string) Validation {
	v := Validation{IsValid: true}

	if strings.TrimSpace(code) == "" {
		v.IsValid = false
		v.Errors = append(v.Errors, "Generated code is empty")
		return v
	}
	if strings.Contains(code, "TODO") || strings.Contains(code, "FIXME") {
		v.Warnings = append(v.Warnings, WarnMarkers)
	}
	if len(code) < minCodeLength {
		v.Warnings = append(v.Warnings, WarnShort)
	}
	v.ChecksPassed = append(v.ChecksPassed, "basic_validation")

	if len(tpl.ValidationSchema) == 0 {
		return v
	}
	for _, marker := range stringList(tpl.ValidationSchema["required_markers"]) {
		if !strings.Contains(code, marker) {
			v.Errors = append(v.Errors, fmt.Sprintf("missing required marker %q", marker))
		}
	}
	if len(v.Errors) > 0 {
		v.IsValid = false
		return v
	}
	v.ChecksPassed = append(v.ChecksPassed, "schema_validation")
	return v
}

// stringList accepts []string or the []any produced by JSON and YAML decoding.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
