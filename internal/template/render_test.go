package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insider-one/notification-workers/internal/domain"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name        string
		subject     string
		body        string
		variables   map[string]any
		wantSubject string
		wantBody    string
	}{
		{
			name:        "single variable",
			subject:     "Hi {{name}}",
			body:        "<p>Hello {{name}}</p>",
			variables:   map[string]any{"name": "Ada"},
			wantSubject: "Hi Ada",
			wantBody:    "<p>Hello Ada</p>",
		},
		{
			name:        "multiple variables",
			subject:     "Order {{order_id}}",
			body:        "Dear {{name}}, order {{order_id}} shipped",
			variables:   map[string]any{"name": "Ada", "order_id": float64(42)},
			wantSubject: "Order 42",
			wantBody:    "Dear Ada, order 42 shipped",
		},
		{
			name:        "missing variable renders empty",
			subject:     "Hi {{name}}",
			body:        "Hello {{name}}, {{greeting}}!",
			variables:   map[string]any{"name": "Ada"},
			wantSubject: "Hi Ada",
			wantBody:    "Hello Ada, !",
		},
		{
			name:        "dotted reference",
			subject:     "Hi {{user.name}}",
			body:        "City: {{user.address.city}}",
			variables:   map[string]any{"user": map[string]any{"name": "Ada", "address": map[string]any{"city": "London"}}},
			wantSubject: "Hi Ada",
			wantBody:    "City: London",
		},
		{
			name:        "dotted reference through non-map renders empty",
			subject:     "{{user.name}}",
			body:        "-",
			variables:   map[string]any{"user": "Ada"},
			wantSubject: "",
			wantBody:    "-",
		},
		{
			name:        "whitespace inside braces",
			subject:     "Hi {{ name }}",
			body:        "ok",
			variables:   map[string]any{"name": "Ada"},
			wantSubject: "Hi Ada",
			wantBody:    "ok",
		},
		{
			name:        "no variables",
			subject:     "Plain subject",
			body:        "Plain body",
			variables:   map[string]any{},
			wantSubject: "Plain subject",
			wantBody:    "Plain body",
		},
		{
			name:        "bool and float values",
			subject:     "{{active}}",
			body:        "{{score}}",
			variables:   map[string]any{"active": true, "score": 3.5},
			wantSubject: "true",
			wantBody:    "3.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			descriptor := &domain.TemplateDescriptor{
				Code:    "test",
				Subject: tt.subject,
				Body:    tt.body,
			}

			subject, body, err := Render(descriptor, tt.variables)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSubject, subject)
			assert.Equal(t, tt.wantBody, body)
		})
	}
}

func TestRender_MalformedTemplate(t *testing.T) {
	descriptor := &domain.TemplateDescriptor{
		Code:    "broken",
		Subject: "Hi {{name",
		Body:    "ok",
	}

	_, _, err := Render(descriptor, map[string]any{"name": "Ada"})

	var renderErr *domain.RenderError
	require.ErrorAs(t, err, &renderErr)
	assert.Equal(t, "broken", renderErr.Code)
	assert.True(t, domain.IsTerminal(err))
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple tags", "<p>Hello Ada</p>", "Hello Ada"},
		{"nested tags", "<div><b>Hi</b> there</div>", "Hi there"},
		{"no tags", "plain text", "plain text"},
		{"attributes", `<a href="https://x.test">link</a>`, "link"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripHTML(tt.input))
		})
	}
}

func TestStringifyVariables(t *testing.T) {
	out := StringifyVariables(map[string]any{
		"name":   "Ada",
		"count":  float64(3),
		"active": true,
		"blank":  nil,
	})

	assert.Equal(t, map[string]string{
		"name":   "Ada",
		"count":  "3",
		"active": "true",
		"blank":  "",
	}, out)
}
