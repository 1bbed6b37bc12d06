// Package notify posts deployment stage events to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Kami/django-deployment-script/pkg/jwt"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the webhook rejected the token.
var ErrUnauthorized = errors.New("notify webhook unauthorized")

// ErrInvalidArgument indicates the webhook rejected the payload.
var ErrInvalidArgument = errors.New("notify webhook invalid argument")

// ErrNotFound indicates the webhook endpoint does not exist.
var ErrNotFound = errors.New("notify webhook not found")

// Event is one stage transition of a run on a host.
type Event struct {
	RunID       string         `json:"run_id"`
	Project     string         `json:"project"`
	Environment string         `json:"environment"`
	Operation   string         `json:"operation"`
	Host        string         `json:"host,omitempty"`
	Release     string         `json:"release,omitempty"`
	Status      string         `json:"status"`
	Stage       string         `json:"stage"`
	Message     string         `json:"message,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Sender delivers events.
type Sender interface {
	Notify(ctx context.Context, event Event) bool
}

// Nop discards events.
type Nop struct{}

// Notify implements Sender.
func (Nop) Notify(context.Context, Event) bool { return true }

type suppressionEntry struct {
	expires time.Time
}

// Webhook posts events as JSON. After a 4xx response events for the same
// project and environment are dropped until SuppressionTTL passes.
type Webhook struct {
	url            string
	token          string
	client         *http.Client
	logger         *slog.Logger
	suppressionTTL time.Duration
	suppressed     *sync.Map
	now            func() time.Time

	signingSecret string
	tokenTTL      time.Duration
}

// NewWebhook validates url and returns a webhook sender.
func NewWebhook(url, token string, suppressionTTL time.Duration, client *http.Client, logger *slog.Logger) (*Webhook, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, errors.New("notify url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:            trimmed,
		token:          strings.TrimSpace(token),
		client:         client,
		logger:         logger,
		suppressionTTL: suppressionTTL,
		suppressed:     &sync.Map{},
		now:            time.Now,
	}, nil
}

// SignWith attaches an HS256 bearer token, valid for ttl, to every request.
func (w *Webhook) SignWith(secret string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	w.signingSecret = secret
	w.tokenTTL = ttl
}

func suppressionKey(e Event) string {
	return strings.TrimSpace(e.Project) + "/" + strings.TrimSpace(e.Environment)
}

func (w *Webhook) shouldSuppress(key string) bool {
	value, ok := w.suppressed.Load(key)
	if !ok {
		return false
	}
	entry, ok := value.(suppressionEntry)
	if !ok {
		w.suppressed.Delete(key)
		return false
	}
	if entry.expires.IsZero() {
		return true
	}
	if w.now().Before(entry.expires) {
		return true
	}
	w.suppressed.Delete(key)
	return false
}

func (w *Webhook) suppress(key string) {
	entry := suppressionEntry{}
	if w.suppressionTTL > 0 {
		entry.expires = w.now().Add(w.suppressionTTL)
	}
	w.suppressed.Store(key, entry)
}

// Notify implements Sender. It reports whether the event was delivered;
// delivery failures are logged and never fail the run.
func (w *Webhook) Notify(ctx context.Context, event Event) bool {
	key := suppressionKey(event)
	if w.shouldSuppress(key) {
		w.logger.Debug("notification suppressed", "run_id", event.RunID, "stage", event.Stage)
		return false
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = w.now().UTC()
	}
	if err := w.send(ctx, event); err != nil {
		w.logger.Warn("notification failed", "run_id", event.RunID, "stage", event.Stage, "error", err)
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrNotFound) || errors.Is(err, errClient) {
			w.suppress(key)
		}
		return false
	}
	return true
}

var errClient = errors.New("notify webhook client error")

func (w *Webhook) send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("X-Deploy-Token", w.token)
	}
	if w.signingSecret != "" {
		bearer, err := jwt.GenerateToken(event.RunID, event.Project, event.Environment, w.signingSecret, w.now(), w.tokenTTL)
		if err != nil {
			return fmt.Errorf("sign notification: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		w.logger.Debug("discard notification response failed", "error", err)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	case resp.StatusCode < http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", errClient, summary)
	default:
		return fmt.Errorf("notification request failed: %s", summary)
	}
}
