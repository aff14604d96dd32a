package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/insider-one/notification-workers/internal/config"
	"github.com/insider-one/notification-workers/internal/domain"
)

// EmailAPISender sends email through a transactional email HTTP API
// (Resend-compatible payload shape).
type EmailAPISender struct {
	client *http.Client
	url    string
	apiKey string
	from   string
	logger *slog.Logger
}

// NewEmailAPISender creates the API-mode email sender. The API key is
// required in this mode.
func NewEmailAPISender(cfg config.EmailConfig, logger *slog.Logger) (*EmailAPISender, error) {
	if cfg.API.Key == "" {
		return nil, fmt.Errorf("%w: EMAIL_API_KEY is required in api mode", domain.ErrInvalidInput)
	}

	return &EmailAPISender{
		client: &http.Client{
			Timeout: cfg.API.Timeout,
		},
		url:    cfg.API.URL,
		apiKey: cfg.API.Key,
		from:   fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromEmail),
		logger: logger.With("component", "email_api_sender"),
	}, nil
}

func (s *EmailAPISender) Name() string { return "email_api" }

type emailAPIRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type emailAPIResponse struct {
	ID string `json:"id"`
}

// Send posts the rendered message to the email API.
func (s *EmailAPISender) Send(ctx context.Context, job *domain.Job, subject, body string) error {
	payload, err := json.Marshal(emailAPIRequest{
		From:    s.from,
		To:      []string{job.UserEmail},
		Subject: subject,
		HTML:    body,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.NewProviderError(0, fmt.Sprintf("email api request failed: %v", err), true)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read email api response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return domain.NewProviderError(resp.StatusCode, string(respBody), retryable)
	}

	var apiResp emailAPIResponse
	emailID := "N/A"
	if err := json.Unmarshal(respBody, &apiResp); err == nil && apiResp.ID != "" {
		emailID = apiResp.ID
	}

	s.logger.Info("email api send successful",
		"to", job.UserEmail,
		"email_id", emailID,
	)
	return nil
}
