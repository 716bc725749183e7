package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"resty.dev/v3"

	"marketpipeline/internal/fetcher"
	"marketpipeline/internal/ratelimit"
)

// DefaultTelegramBaseURL is the Bot API endpoint.
const DefaultTelegramBaseURL = "https://api.telegram.org"

const telegramTimeout = 10 * time.Second

// TelegramOptions configures a Telegram notifier.
type TelegramOptions struct {
	Token   string
	ChatID  string
	BaseURL string
	Limiter *ratelimit.Limiter
	Logger  zerolog.Logger
}

// Telegram posts notifications to a chat through the Bot API.
type Telegram struct {
	http    *resty.Client
	token   string
	chatID  string
	limiter *ratelimit.Limiter
	log     zerolog.Logger
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// NewTelegram creates a Telegram notifier. Token and ChatID are required.
func NewTelegram(opts TelegramOptions) (*Telegram, error) {
	if opts.Token == "" || opts.ChatID == "" {
		return nil, fmt.Errorf("telegram notifier requires token and chat id")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultTelegramBaseURL
	}
	log := opts.Logger.With().Str("component", "telegram").Logger()

	return &Telegram{
		http: fetcher.NewHTTPClient(opts.BaseURL, fetcher.ClientOptions{
			Timeout:    telegramTimeout,
			RetryCount: -1,
			Logger:     log,
		}).SetHeader("Content-Type", "application/json"),
		token:   opts.Token,
		chatID:  opts.ChatID,
		limiter: opts.Limiter,
		log:     log,
	}, nil
}

// Close releases idle connections.
func (t *Telegram) Close() error {
	return t.http.Close()
}

// Notify implements Notifier.
func (t *Telegram) Notify(ctx context.Context, message, severity string) error {
	if err := t.limiter.Wait(ctx, ratelimit.APITelegram); err != nil {
		return err
	}

	var result sendMessageResponse
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(sendMessageRequest{ChatID: t.chatID, Text: message}).
		SetResult(&result).
		SetError(&result).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if !resp.IsSuccess() || !result.OK {
		return fmt.Errorf("telegram send: status %d: %s", resp.StatusCode(), result.Description)
	}

	t.log.Debug().Str("severity", severity).Msg("telegram message sent")
	return nil
}
