package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"google.golang.org/api/option"

	"github.com/insider-one/notification-workers/internal/config"
	"github.com/insider-one/notification-workers/internal/domain"
	"github.com/insider-one/notification-workers/internal/template"
)

// FCMClient is the subset of *messaging.Client used by the push sender,
// extracted for unit testing.
type FCMClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// APNSClient is the subset of *apns2.Client used by the push sender.
type APNSClient interface {
	Push(n *apns2.Notification) (*apns2.Response, error)
}

// PushSender dispatches per platform: FCM for Android tokens, APNs for iOS.
// The platform comes from the job when set, else from the token shape.
type PushSender struct {
	fcm       FCMClient
	apns      APNSClient
	apnsTopic string
	logger    *slog.Logger
}

// NewPushSender initializes the configured vendor clients. Either vendor may
// be absent; sends to an unconfigured vendor fail terminally.
func NewPushSender(ctx context.Context, cfg config.PushConfig, logger *slog.Logger) (*PushSender, error) {
	s := &PushSender{
		apnsTopic: cfg.APNSBundleID,
		logger:    logger.With("component", "push_sender"),
	}

	if cfg.FCMCredentialsFile != "" {
		app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.FCMCredentialsFile))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize firebase: %w", err)
		}
		client, err := app.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize fcm messaging: %w", err)
		}
		s.fcm = client
		s.logger.Info("fcm initialized with service account")
	} else {
		s.logger.Warn("fcm credentials not configured, android push will fail")
	}

	if cfg.APNSKeyFile != "" && cfg.APNSKeyID != "" && cfg.APNSTeamID != "" {
		authKey, err := token.AuthKeyFromFile(cfg.APNSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load apns key: %w", err)
		}
		client := apns2.NewTokenClient(&token.Token{
			AuthKey: authKey,
			KeyID:   cfg.APNSKeyID,
			TeamID:  cfg.APNSTeamID,
		})
		if cfg.APNSSandbox {
			client = client.Development()
		} else {
			client = client.Production()
		}
		client.HTTPClient.Timeout = cfg.SendTimeout
		s.apns = client
		s.logger.Info("apns initialized", "bundle_id", cfg.APNSBundleID, "sandbox", cfg.APNSSandbox)
	} else {
		s.logger.Warn("apns not configured, ios push will fail")
	}

	return s, nil
}

func (s *PushSender) Name() string { return "push" }

// Send dispatches the rendered notification to the platform vendor. The body
// is HTML-stripped first; push payloads carry plain text only.
func (s *PushSender) Send(ctx context.Context, job *domain.Job, title, body string) error {
	body = template.StripHTML(body)

	platform := job.Platform
	if platform == "" {
		platform = DetectPlatform(job.PushToken)
	}

	if platform == domain.PlatformIOS {
		return s.sendAPNS(job, title, body)
	}
	return s.sendFCM(ctx, job, title, body)
}

func (s *PushSender) sendFCM(ctx context.Context, job *domain.Job, title, body string) error {
	if s.fcm == nil {
		return domain.NewProviderError(0, "fcm not configured", false)
	}

	message := &messaging.Message{
		Token: job.PushToken,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		// FCM requires string values in the data payload.
		Data: template.StringifyVariables(job.Variables),
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound: "default",
			},
		},
	}

	messageID, err := s.fcm.Send(ctx, message)
	if err != nil {
		return domain.NewProviderError(0, fmt.Sprintf("fcm send failed: %v", err), true)
	}

	s.logger.Info("fcm send successful",
		"token", maskToken(job.PushToken),
		"message_id", messageID,
	)
	return nil
}

func (s *PushSender) sendAPNS(job *domain.Job, title, body string) error {
	if s.apns == nil {
		return domain.ErrAPNSNotConfigured
	}

	p := payload.NewPayload().
		AlertTitle(title).
		AlertBody(body).
		Sound("default").
		Badge(1)
	for k, v := range job.Variables {
		p.Custom(k, v)
	}

	resp, err := s.apns.Push(&apns2.Notification{
		DeviceToken: job.PushToken,
		Topic:       s.apnsTopic,
		Payload:     p,
	})
	if err != nil {
		return domain.NewProviderError(0, fmt.Sprintf("apns push failed: %v", err), true)
	}
	if !resp.Sent() {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return domain.NewProviderError(resp.StatusCode, fmt.Sprintf("apns rejected: %s", resp.Reason), retryable)
	}

	s.logger.Info("apns send successful", "token", maskToken(job.PushToken))
	return nil
}

// DetectPlatform guesses the platform from the token shape: exactly 64 hex
// characters means an APNs device token, anything else an FCM registration
// token.
func DetectPlatform(pushToken string) domain.Platform {
	if len(pushToken) != 64 {
		return domain.PlatformAndroid
	}
	for _, c := range pushToken {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return domain.PlatformAndroid
		}
	}
	return domain.PlatformIOS
}
