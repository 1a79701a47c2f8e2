// Package telegram delivers notifications to a Telegram chat. The recipient
// address is the numeric chat ID.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"chrono/internal/transport"
	"chrono/pkg/logx"
)

type Config struct {
	Token string
	// SendTimeout bounds a single API call; 0 means 10s.
	SendTimeout time.Duration
}

type Sender struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// Send-only: no poller, updates are never consumed.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Sender{cfg: cfg, log: log, bot: b}, nil
}

func (s *Sender) Send(ctx context.Context, to transport.Recipient, msg transport.Message) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(to.Address), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: recipient %q is not a chat id: %w", to.Address, err)
	}

	text := msg.Body
	if strings.TrimSpace(msg.Subject) != "" {
		text = msg.Subject + "\n\n" + msg.Body
	}

	// telebot has no per-call context; run the call aside and respect ctx so a
	// hung API call cannot stall the dispatch run.
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
			DisableWebPagePreview: true,
		})
		done <- err
	}()

	timer := time.NewTimer(s.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("telegram: send to %d timed out after %s", chatID, s.cfg.SendTimeout)
	}
}
