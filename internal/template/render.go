package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/insider-one/notification-workers/internal/domain"
)

// variablePattern matches {{name}} and dotted references like {{user.name}},
// with optional surrounding whitespace inside the braces.
var variablePattern = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// htmlTagPattern matches HTML tags for stripping push bodies.
var htmlTagPattern = regexp.MustCompile(`<[^<]+?>`)

// Render substitutes job variables into the descriptor's subject and body.
// Missing variables render as empty strings, never as an error. A malformed
// template (an unclosed variable reference) returns a *domain.RenderError.
func Render(descriptor *domain.TemplateDescriptor, variables map[string]any) (subject, body string, err error) {
	subject, err = renderString(descriptor.Subject, variables)
	if err != nil {
		return "", "", &domain.RenderError{Code: descriptor.Code, Err: err}
	}

	body, err = renderString(descriptor.Body, variables)
	if err != nil {
		return "", "", &domain.RenderError{Code: descriptor.Code, Err: err}
	}

	return subject, body, nil
}

func renderString(content string, variables map[string]any) (string, error) {
	rendered := variablePattern.ReplaceAllStringFunc(content, func(match string) string {
		name := variablePattern.FindStringSubmatch(match)[1]
		value, ok := lookup(variables, name)
		if !ok {
			return ""
		}
		return FormatValue(value)
	})

	// Whatever {{ remains after substitution has no matching close brace.
	if idx := strings.Index(rendered, "{{"); idx != -1 {
		return "", fmt.Errorf("unclosed variable reference at offset %d", idx)
	}

	return rendered, nil
}

// lookup resolves a possibly dotted reference against nested maps.
func lookup(variables map[string]any, name string) (any, bool) {
	parts := strings.Split(name, ".")

	var current any = variables
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// FormatValue renders a JSON-decoded variable value as a string. Integral
// floats print without a decimal point, matching what producers expect for
// numeric ids.
func FormatValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// StringifyVariables coerces all variable values to strings, as required by
// the Android push payload.
func StringifyVariables(variables map[string]any) map[string]string {
	out := make(map[string]string, len(variables))
	for k, v := range variables {
		out[k] = FormatValue(v)
	}
	return out
}

// StripHTML removes HTML tags from a rendered body. Push notifications do
// not support markup.
func StripHTML(s string) string {
	return htmlTagPattern.ReplaceAllString(s, "")
}
