package template

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insider-one/notification-workers/internal/config"
	"github.com/insider-one/notification-workers/internal/domain"
)

func newTestClient(serverURL string) *Client {
	return NewClient(config.TemplateConfig{
		ServiceURL: serverURL,
		Timeout:    2 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClient_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/templates/welcome", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"success": true,
			"data": {
				"code": "welcome",
				"subject": "Hi {{name}}",
				"html_body": "<p>Hello {{name}}</p>",
				"text_body": "Hello {{name}}",
				"variables": ["name"],
				"language": "en"
			}
		}`))
	}))
	defer server.Close()

	descriptor, err := newTestClient(server.URL).Fetch(context.Background(), "welcome")
	require.NoError(t, err)

	assert.Equal(t, "welcome", descriptor.Code)
	assert.Equal(t, "Hi {{name}}", descriptor.Subject)
	assert.Equal(t, "<p>Hello {{name}}</p>", descriptor.Body, "html body preferred")
	assert.Equal(t, []string{"name"}, descriptor.Variables)
	assert.Equal(t, "en", descriptor.Language)
}

func TestClient_FetchFallsBackToTextBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"success": true,
			"data": {"code": "otp", "subject": "Code", "html_body": "", "text_body": "Your code: {{code}}"}
		}`))
	}))
	defer server.Close()

	descriptor, err := newTestClient(server.URL).Fetch(context.Background(), "otp")
	require.NoError(t, err)
	assert.Equal(t, "Your code: {{code}}", descriptor.Body)
}

func TestClient_FetchErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{
			name:    "http 500",
			status:  http.StatusInternalServerError,
			body:    `{"success": false}`,
			wantErr: "status 500",
		},
		{
			name:    "http 404",
			status:  http.StatusNotFound,
			body:    `{"success": false, "error": "not found"}`,
			wantErr: "status 404",
		},
		{
			name:    "success false",
			status:  http.StatusOK,
			body:    `{"success": false, "error": "template disabled"}`,
			wantErr: "template disabled",
		},
		{
			name:    "data absent",
			status:  http.StatusOK,
			body:    `{"success": true}`,
			wantErr: "template not found",
		},
		{
			name:    "invalid json",
			status:  http.StatusOK,
			body:    `{not json`,
			wantErr: "decode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(server.URL).Fetch(context.Background(), "welcome")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClient_FetchDataAbsentIsTemplateNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Fetch(context.Background(), "gone")
	assert.ErrorIs(t, err, domain.ErrTemplateNotFound)
}

func TestClient_FetchConnectionRefused(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1")

	_, err := client.Fetch(context.Background(), "welcome")
	assert.Error(t, err)
}
