package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "remindd/pkg/logx"
)

// Telegram delivers notifications through the Telegram bot API.
//
// Sends are rate limited so a recovery burst (many overdue tasks firing at
// once) does not trip Telegram's flood control.
type Telegram struct {
	bot         *tele.Bot
	limiter     *rate.Limiter
	sendTimeout time.Duration
	log         logx.Logger
}

func NewTelegram(cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// Send-only bot: no poller, no update handling.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Telegram{
		bot:         b,
		limiter:     rate.NewLimiter(rate.Limit(rps), rps),
		sendTimeout: timeout,
		log:         log,
	}, nil
}

func (t *Telegram) Deliver(ctx context.Context, to Target, text string) error {
	if to.ChatID == 0 {
		return fmt.Errorf("%w: chat id is zero", ErrTransport)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	sctx, cancel := context.WithTimeout(ctx, t.sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: to.ChatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
		done <- err
	}()

	select {
	case <-sctx.Done():
		return fmt.Errorf("%w: %v", ErrTransport, sctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
	t.log.Debug("notification delivered", logx.Int64("chat_id", to.ChatID))
	return nil
}

func (t *Telegram) Close() error { return nil }
