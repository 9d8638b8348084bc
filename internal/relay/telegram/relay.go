// Package telegram relays task events and remote log lines to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"taskrelay/internal/eventbus"
	logx "taskrelay/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	ThreadID   int
	RatePerSec int
	// Events limits relayed bus event types. Empty means DefaultEvents.
	Events []string
}

// DefaultEvents are relayed when Config.Events is empty.
var DefaultEvents = []string{
	eventbus.TypeTaskExecute,
	eventbus.TypeColdStart,
	eventbus.TypeDeliveryDropped,
}

var ErrNoChat = errors.New("telegram: chat_id is required")

// sender is the part of *tele.Bot the relay uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Relay struct {
	cfg     Config
	log     logx.Logger
	bot     sender
	limiter *rate.Limiter

	sent   atomic.Uint64
	failed atomic.Uint64
}

var _ logx.Sender = (*Relay)(nil)

// New builds a send-only bot. NewBot verifies the token with getMe.
func New(cfg Config, log logx.Logger) (*Relay, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, ErrNoChat
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		OnError: func(err error, _ tele.Context) { log.Warn("telebot error", logx.Err(err)) },
	})
	if err != nil {
		return nil, err
	}
	return newRelay(cfg, b, log), nil
}

func newRelay(cfg Config, bot sender, log logx.Logger) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	if len(cfg.Events) == 0 {
		cfg.Events = DefaultEvents
	}
	return &Relay{
		cfg:     cfg,
		log:     log,
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// Sent and Failed count delivered and failed message chunks.
func (r *Relay) Sent() uint64   { return r.sent.Load() }
func (r *Relay) Failed() uint64 { return r.failed.Load() }

// SendText sends text to the configured chat, split into message-sized
// chunks. Every chunk waits for the rate limiter.
func (r *Relay) SendText(ctx context.Context, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	chat := &tele.Chat{ID: r.cfg.ChatID}
	for _, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := r.bot.Send(chat, chunk, &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              r.cfg.ThreadID,
		})
		if err != nil {
			r.failed.Add(1)
			return err
		}
		r.sent.Add(1)
	}
	return nil
}

// Run relays bus events until ctx is done.
func (r *Relay) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64, r.cfg.Events...)
	defer unsub()
	r.log.Info("relay started", logx.Int64("chat_id", r.cfg.ChatID), logx.Any("events", r.cfg.Events))

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopped", logx.Uint64("sent", r.sent.Load()), logx.Uint64("failed", r.failed.Load()))
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			text, ok := Format(ev)
			if !ok {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := r.SendText(sctx, text)
			cancel()
			if err != nil && ctx.Err() == nil {
				r.log.Warn("relay send failed", logx.String("event", ev.Type), logx.Err(err))
			}
		}
	}
}
