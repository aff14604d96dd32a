package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/insider-one/notification-workers/internal/app"
	"github.com/insider-one/notification-workers/internal/config"
	"github.com/insider-one/notification-workers/internal/domain"
	"github.com/insider-one/notification-workers/internal/provider"
)

func main() {
	if err := app.Run(domain.ChannelPush, newPushSender); err != nil {
		slog.Error("push worker failed to start", "error", err)
		os.Exit(1)
	}
}

func newPushSender(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Sender, error) {
	return provider.NewPushSender(ctx, cfg.Push, logger)
}
