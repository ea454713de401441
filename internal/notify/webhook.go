package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"famtasks/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink posts notifications as JSON to one configured endpoint.
type WebhookSink struct {
	hook   config.WebhookConfig
	filter eventFilter
	client *http.Client
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{
		hook:   hook,
		filter: newEventFilter(hook.Events),
		client: &http.Client{Timeout: timeout},
	}
}

// WebhookSinks builds a sink per enabled hook with a url.
func WebhookSinks(hooks []config.WebhookConfig) []Sink {
	var sinks []Sink
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		sinks = append(sinks, NewWebhookSink(hook))
	}
	return sinks
}

func (s *WebhookSink) Name() string { return "webhook:" + s.hook.URL }

func (s *WebhookSink) Deliver(ctx context.Context, n Notification) error {
	if !s.filter.match(n.Type) {
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Famtasks-Event", n.Type)
	req.Header.Set("X-Famtasks-Delivery", n.ID)
	req.Header.Set("X-Famtasks-Family", n.FamilyID)
	if strings.TrimSpace(s.hook.Secret) != "" {
		req.Header.Set("X-Famtasks-Secret", s.hook.Secret)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
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
