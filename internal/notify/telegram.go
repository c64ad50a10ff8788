package notify

import (
	"fmt"

	"crowemi-trades/internal/config"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const telegramBaseURL = "https://api.telegram.org"

// Notifier is the alert channel for trade events. Alerts are best-effort;
// implementations must never let a delivery failure reach the trading loop.
type Notifier interface {
	Alert(message string)
}

// Telegram delivers alerts to a Telegram channel.
type Telegram struct {
	client    *resty.Client
	botID     string
	channelID string
	logger    *zap.Logger
}

var _ Notifier = (*Telegram)(nil)

// NewTelegram creates a new Telegram notifier.
func NewTelegram(cfg *config.Telegram, logger *zap.Logger) *Telegram {
	return &Telegram{
		client:    resty.New().SetBaseURL(telegramBaseURL),
		botID:     cfg.BotID,
		channelID: cfg.ChannelID,
		logger:    logger,
	}
}

// Alert sends the message to the configured channel. Failures are logged and
// swallowed; alerting must not abort a trading run.
func (t *Telegram) Alert(message string) {
	resp, err := t.client.R().
		SetQueryParam("chat_id", t.channelID).
		SetQueryParam("text", message).
		Get(fmt.Sprintf("/bot%s/sendMessage", t.botID))

	if err != nil {
		t.logger.Warn("Failed to send alert", zap.Error(err))
		return
	}
	if resp.IsError() {
		t.logger.Warn("Alert rejected by telegram", zap.Int("status", resp.StatusCode()), zap.String("body", resp.String()))
	}
}

// Nop is a no-op notifier for dry runs and environments without a channel.
type Nop struct{}

// Alert does nothing.
func (Nop) Alert(string) {}
