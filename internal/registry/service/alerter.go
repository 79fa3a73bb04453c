package service

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"

	"github.com/kaunda-a/nyx-registry/internal/registry/models"
	"github.com/kaunda-a/nyx-registry/pkg/logger"
)

// Alerter pushes a Telegram notification when a proxy degrades into the
// error status. A nil *Alerter is valid and does nothing, so wiring stays
// unconditional.
type Alerter struct {
	bot    *bot.Bot
	chatID string
	logger logger.Logger
}

func NewAlerter(token, chatID string, log logger.Logger) (*Alerter, error) {
	if token == "" || chatID == "" {
		return nil, nil
	}

	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &Alerter{
		bot:    b,
		chatID: chatID,
		logger: log.WithField("component", "alerter"),
	}, nil
}

func (a *Alerter) ProxyDegraded(ctx context.Context, proxy *models.Proxy) {
	if a == nil {
		return
	}

	text := fmt.Sprintf(
		"⚠️ Proxy degraded\n%s (%s)\nconsecutive failures: %d\nlast error: %s",
		proxy.Address(), proxy.Protocol, proxy.ConsecutiveFailures, proxy.LastError,
	)

	_, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: a.chatID,
		Text:   text,
	})
	if err != nil {
		a.logger.Warn("Failed to send degradation alert",
			logger.Field{Key: "proxy_id", Value: proxy.ID},
			logger.Field{Key: "error", Value: err.Error()},
		)
	}
}
