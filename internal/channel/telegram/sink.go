// Package telegram delivers rendered messages to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"fleetnotify/internal/batching"
	"fleetnotify/internal/dispatch"
	logx "fleetnotify/pkg/logx"
)

// Telegram caps message text at 4096 characters.
const maxMessageLen = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, local Bot API servers).
	APIURL string
	// RatePerMinute paces sends; Telegram allows about 20 messages per minute per group.
	RatePerMinute int
	ParseMode     string
	Timeout       time.Duration
}

// Renderer turns a batching message into text.
type Renderer interface {
	Render(msg batching.Message) string
}

type Sink struct {
	cfg     Config
	bot     *tele.Bot
	render  Renderer
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, render Renderer, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true, // send-only: no getMe round trip, no poller
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Sink{
		cfg:     cfg,
		bot:     b,
		render:  render,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), 1),
		log:     log.With(logx.String("channel", "telegram")),
	}, nil
}

// Send implements batching.Sink.
func (s *Sink) Send(ctx context.Context, msg batching.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram: rate wait: %w", err)
	}

	text := s.render.Render(msg)
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen-1] + "…"
	}
	opts := &tele.SendOptions{
		ParseMode:             s.cfg.ParseMode,
		DisableWebPagePreview: true,
		ThreadID:              s.cfg.ThreadID,
	}

	// telebot has no context-aware Send; run it aside so ctx still bounds us.
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, text, opts)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return classify(err)
		}
		s.log.Debug("message sent", logx.String("msg", msg.ID), logx.Int("items", len(msg.Items)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram: %w", ctx.Err())
	}
}

// classify maps Bot API failures onto the dispatch error taxonomy.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return dispatch.RateLimited(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return dispatch.RateLimited(err, time.Duration(floodPtr.RetryAfter)*time.Second)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
		return dispatch.Permanent(err)
	}
	return fmt.Errorf("telegram: %w", err)
}
