package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"intakeline/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookBroadcaster posts every event to the configured webhook URLs as JSON.
type WebhookBroadcaster struct {
	webhooks []config.WebhookConfig
	filters  []eventFilter
	client   *http.Client
	now      func() time.Time
}

func NewWebhookBroadcaster(hooks []config.WebhookConfig) *WebhookBroadcaster {
	b := &WebhookBroadcaster{
		client: &http.Client{Timeout: defaultWebhookTimeout},
		now:    time.Now,
	}
	for _, hook := range hooks {
		if !hook.Active() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		b.webhooks = append(b.webhooks, hook)
		b.filters = append(b.filters, newEventFilter(hook.Events))
	}
	return b
}

// Len returns the number of active webhooks.
func (b *WebhookBroadcaster) Len() int {
	return len(b.webhooks)
}

type webhookEvent struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	TS      string         `json:"ts"`
	Roles   []string       `json:"roles,omitempty"`
	UserIDs []string       `json:"user_ids,omitempty"`
	Rooms   []string       `json:"rooms,omitempty"`
	Exclude string         `json:"exclude_user_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

// Emit delivers ev to every matching webhook. All hooks are attempted; their
// errors are joined.
func (b *WebhookBroadcaster) Emit(ctx context.Context, ev Event) error {
	body := webhookEvent{
		ID:      uuid.NewString(),
		Kind:    ev.Kind,
		TS:      b.now().UTC().Format(time.RFC3339),
		Roles:   ev.Roles,
		UserIDs: ev.UserIDs,
		Rooms:   ev.Rooms,
		Exclude: ev.ExcludeUserID,
		Payload: ev.Payload,
	}
	if body.Payload == nil {
		body.Payload = map[string]any{}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	var errs []error
	for i, hook := range b.webhooks {
		if !b.filters[i].match(ev.Kind) {
			continue
		}
		if err := b.post(ctx, hook, body, data); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (b *WebhookBroadcaster) post(ctx context.Context, hook config.WebhookConfig, evt webhookEvent, data []byte) error {
	client := b.client
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != b.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Intakeline-Event", evt.Kind)
	req.Header.Set("X-Intakeline-Delivery", evt.ID)
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Intakeline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
