package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vigil/internal/config"
)

const userAgent = "Vigil-Go/0.1.0"

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	NotifySessionDone(ctx context.Context, sessionID, finalVideoURL string) error
	NotifyFinalizeStalled(ctx context.Context, sessionID string, attempts int) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:    topic,
		client:      &http.Client{Timeout: timeout},
		sessionDone: cfg.Notifications.SessionDone,
		errors:      cfg.Notifications.Errors,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint    string
	client      *http.Client
	sessionDone bool
	errors      bool
}

func (n *ntfyService) NotifySessionDone(ctx context.Context, sessionID, finalVideoURL string) error {
	if !n.sessionDone {
		return nil
	}
	message := fmt.Sprintf("Session finalized: %s", strings.TrimSpace(sessionID))
	if url := strings.TrimSpace(finalVideoURL); url != "" {
		message = fmt.Sprintf("%s\nRecording: %s", message, url)
	}
	data := payload{
		title:   "Vigil - Session Done",
		message: message,
		tags:    []string{"vigil", "session", "done"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyFinalizeStalled(ctx context.Context, sessionID string, attempts int) error {
	data := payload{
		title:    "Vigil - Session Stalled",
		message:  fmt.Sprintf("Session %s did not reach readiness after %d finalize attempts\nManual review required", strings.TrimSpace(sessionID), attempts),
		tags:     []string{"vigil", "finalize", "stalled"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	if !n.errors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "Vigil - Error",
		message:  builder.String(),
		tags:     []string{"vigil", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Vigil - Test",
		message:  "Notification system test",
		tags:     []string{"vigil", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifySessionDone(context.Context, string, string) error    { return nil }
func (noopService) NotifyFinalizeStalled(context.Context, string, int) error   { return nil }
func (noopService) NotifyError(context.Context, error, string) error           { return nil }
func (noopService) TestNotification(context.Context) error                     { return nil }
