// Package template fetches message templates from the template service and
// renders them with job variables.
package template

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/insider-one/notification-workers/internal/config"
	"github.com/insider-one/notification-workers/internal/domain"
)

// Client fetches template descriptors over HTTP. Fetch failures of any kind
// (transport, non-2xx, error envelope) count against the template-service
// breaker at the call site.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient creates a template service client.
func NewClient(cfg config.TemplateConfig, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: cfg.ServiceURL,
		logger:  logger.With("component", "template_client"),
	}
}

// envelope is the template service response wrapper.
type envelope struct {
	Success bool             `json:"success"`
	Data    *templatePayload `json:"data"`
	Error   string           `json:"error"`
}

type templatePayload struct {
	Code      string   `json:"code"`
	Subject   string   `json:"subject"`
	HTMLBody  string   `json:"html_body"`
	TextBody  string   `json:"text_body"`
	Variables []string `json:"variables"`
	Language  string   `json:"language"`
}

// Fetch retrieves the descriptor for a template code. The body prefers
// html_body over text_body; push delivery strips tags at render time.
func (c *Client) Fetch(ctx context.Context, code string) (*domain.TemplateDescriptor, error) {
	url := fmt.Sprintf("%s/api/v1/templates/%s", c.baseURL, code)

	c.logger.Debug("fetching template", "code", code, "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("template fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read template response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("template service returned status %d for code %s", resp.StatusCode, code)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode template response: %w", err)
	}

	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "unknown error"
		}
		return nil, fmt.Errorf("template service error: %s", msg)
	}

	if env.Data == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, code)
	}

	data := env.Data
	descriptorCode := data.Code
	if descriptorCode == "" {
		descriptorCode = code
	}
	bodyText := data.HTMLBody
	if bodyText == "" {
		bodyText = data.TextBody
	}
	language := data.Language
	if language == "" {
		language = "en"
	}

	descriptor := &domain.TemplateDescriptor{
		Code:      descriptorCode,
		Subject:   data.Subject,
		Body:      bodyText,
		Variables: data.Variables,
		Language:  language,
	}

	c.logger.Debug("template fetched",
		"code", descriptorCode,
		"has_html_body", data.HTMLBody != "",
		"body_length", len(bodyText),
	)

	return descriptor, nil
}
