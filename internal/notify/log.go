package notify

import (
	"context"
	"errors"
	"strings"

	logx "remindd/pkg/logx"
)

// LogTransport writes notifications to the log instead of sending them.
// Development and dry-run driver.
type LogTransport struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *LogTransport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogTransport{log: log}
}

func (t *LogTransport) Deliver(_ context.Context, to Target, text string) error {
	t.log.Info("notification (log driver)",
		logx.Int64("chat_id", to.ChatID),
		logx.String("text", text))
	return nil
}

func (t *LogTransport) Close() error { return nil }

// Open builds the configured transport.
func Open(cfg Config, log logx.Logger) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return NewLog(log), nil
	case "telegram":
		return NewTelegram(cfg, log)
	default:
		return nil, errors.New("unknown notify driver: " + cfg.Driver)
	}
}
