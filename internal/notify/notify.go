// Package notify delivers side effects of pipeline changes: broadcast events
// for connected dashboards and emails to the people involved. Delivery runs
// after the database transaction commits and never affects its outcome.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"intakeline/internal/config"
	"intakeline/internal/domain"
)

// Event is a broadcast message. Roles and UserIDs narrow the audience; an
// event with neither goes to every intake subscriber.
type Event struct {
	Kind          string         `json:"kind"`
	Payload       map[string]any `json:"payload"`
	Rooms         []string       `json:"rooms,omitempty"`
	Roles         []string       `json:"roles,omitempty"`
	UserIDs       []string       `json:"user_ids,omitempty"`
	ExcludeUserID string         `json:"exclude_user_id,omitempty"`
}

type Broadcaster interface {
	Emit(ctx context.Context, ev Event) error
}

type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// UserLookup resolves email recipients.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
}

const defaultTaskTimeout = 30 * time.Second

// Dispatcher runs notification tasks on detached goroutines. Failures are
// logged with the request id and dropped.
type Dispatcher struct {
	Broadcaster Broadcaster
	Mailer      Mailer
	Users       UserLookup
	Logger      *slog.Logger
	Timeout     time.Duration

	wg sync.WaitGroup
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Go runs fn detached from the caller. The context keeps the caller's values
// but not its cancellation.
func (d *Dispatcher) Go(ctx context.Context, kind, requestID, recipient string, fn func(context.Context) error) {
	if d == nil {
		return
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	base := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger().Error("notification panicked",
					"kind", kind,
					"request_id", requestID,
					"recipient", recipient,
					"panic", fmt.Sprint(r))
			}
		}()
		tctx, cancel := context.WithTimeout(base, timeout)
		defer cancel()
		if err := fn(tctx); err != nil {
			d.logger().Warn("notification failed",
				"kind", kind,
				"request_id", requestID,
				"recipient", recipient,
				"error", err)
		}
	}()
}

// Broadcast emits ev in the background.
func (d *Dispatcher) Broadcast(ctx context.Context, requestID string, ev Event) {
	if d == nil || d.Broadcaster == nil {
		return
	}
	d.Go(ctx, ev.Kind, requestID, "", func(ctx context.Context) error {
		return d.Broadcaster.Emit(ctx, ev)
	})
}

// EmailUser looks up userID and sends it the message built by build. Users
// without an email address are skipped.
func (d *Dispatcher) EmailUser(ctx context.Context, kind, requestID, userID string, build func(ctx context.Context, u domain.User) (Message, error)) {
	if d == nil || d.Mailer == nil || d.Users == nil || userID == "" {
		return
	}
	d.Go(ctx, kind, requestID, userID, func(ctx context.Context) error {
		u, err := d.Users.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if u.Email == "" {
			d.logger().Debug("skipping email, user has no address", "kind", kind, "request_id", requestID, "recipient", userID)
			return nil
		}
		msg, err := build(ctx, u)
		if err != nil {
			return err
		}
		msg.To = u.Email
		return d.Mailer.Send(ctx, msg)
	})
}

// Wait blocks until every dispatched task has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// LogBroadcaster writes events to the structured log. It is the default when
// no webhook is configured.
type LogBroadcaster struct {
	Logger *slog.Logger
}

func (b LogBroadcaster) Emit(_ context.Context, ev Event) error {
	l := b.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("broadcast", "kind", ev.Kind, "roles", ev.Roles, "user_ids", ev.UserIDs, "rooms", ev.Rooms)
	return nil
}

// LogMailer writes outgoing mail to the structured log instead of sending it.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(_ context.Context, msg Message) error {
	l := m.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("email", "to", msg.To, "subject", msg.Subject)
	return nil
}

// MultiBroadcaster fans an event out to several broadcasters and returns the
// first error after trying all of them.
type MultiBroadcaster []Broadcaster

func (m MultiBroadcaster) Emit(ctx context.Context, ev Event) error {
	var first error
	for _, b := range m {
		if err := b.Emit(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewDispatcher builds a dispatcher from config. Webhooks and SMTP are used
// when configured; otherwise events and mail go to the log.
func NewDispatcher(cfg *config.Config, users UserLookup, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		Broadcaster: LogBroadcaster{Logger: logger},
		Mailer:      LogMailer{Logger: logger},
		Users:       users,
		Logger:      logger,
	}
	if cfg == nil {
		return d
	}
	if hooks := NewWebhookBroadcaster(cfg.Notify.Webhooks); hooks.Len() > 0 {
		d.Broadcaster = MultiBroadcaster{LogBroadcaster{Logger: logger}, hooks}
	}
	if cfg.Notify.SMTP.Enabled() {
		d.Mailer = NewSMTPMailer(cfg.Notify.SMTP)
	}
	return d
}
