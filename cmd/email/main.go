package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/insider-one/notification-workers/internal/app"
	"github.com/insider-one/notification-workers/internal/config"
	"github.com/insider-one/notification-workers/internal/domain"
	"github.com/insider-one/notification-workers/internal/provider"
)

func main() {
	if err := app.Run(domain.ChannelEmail, newEmailSender); err != nil {
		slog.Error("email worker failed to start", "error", err)
		os.Exit(1)
	}
}

// newEmailSender selects the transactional email API or SMTP at startup.
func newEmailSender(_ context.Context, cfg *config.Config, logger *slog.Logger) (provider.Sender, error) {
	switch cfg.Email.Provider {
	case "api":
		return provider.NewEmailAPISender(cfg.Email, logger)
	case "smtp":
		return provider.NewSMTPSender(cfg.Email, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown email provider %q", domain.ErrInvalidInput, cfg.Email.Provider)
	}
}
