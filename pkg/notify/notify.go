// Package notify sends check results to operator chat tools.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/akikaku/akikaku-engine/pkg/config"
	"github.com/akikaku/akikaku-engine/pkg/logging"
	"github.com/akikaku/akikaku-engine/pkg/models"
	"github.com/akikaku/akikaku-engine/pkg/retry"
)

// LinePushURL is the LINE Messaging API push endpoint.
const LinePushURL = "https://api.line.me/v2/bot/message/push"

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 10 * time.Second

// Sender delivers one text message to a chat service.
type Sender interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// Notifier formats completed checks and fans them out to every sender.
// Delivery failures are logged and never affect the check.
type Notifier struct {
	senders []Sender
	retry   *retry.Config
	logger  *zap.Logger
}

// New creates a notifier for the configured targets. With nothing configured
// the notifier has no senders and CheckCompleted does nothing.
func New(cfg config.NotifyConfig, logger *zap.Logger) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &http.Client{Timeout: timeout}

	var senders []Sender
	if cfg.SlackWebhookURL != "" {
		senders = append(senders, &SlackSender{WebhookURL: cfg.SlackWebhookURL, Client: client})
	}
	if cfg.LineChannelToken != "" && cfg.LineTo != "" {
		senders = append(senders, &LineSender{Token: cfg.LineChannelToken, To: cfg.LineTo, Client: client})
	}
	return NewWithSenders(logger, senders...)
}

// NewWithSenders creates a notifier over explicit senders.
func NewWithSenders(logger *zap.Logger, senders ...Sender) *Notifier {
	rc := retry.DefaultConfig()
	rc.MaxRetries = 1
	return &Notifier{
		senders: senders,
		retry:   rc,
		logger:  logger.Named("notify"),
	}
}

// Enabled reports whether at least one target is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// CheckCompleted sends the result of a finished check to every target.
func (n *Notifier) CheckCompleted(ctx context.Context, req *models.CheckRequest) {
	if !n.Enabled() {
		return
	}
	text := Message(req)
	for _, s := range n.senders {
		err := retry.Do(ctx, n.retry, func(ctx context.Context) error {
			return s.Send(ctx, text)
		})
		if err != nil {
			n.logger.Warn("Notification failed",
				zap.String("target", s.Name()),
				zap.String("check_id", req.ID.String()),
				zap.String("error", logging.SanitizeError(err)))
			continue
		}
		n.logger.Debug("Notification sent",
			zap.String("target", s.Name()),
			zap.String("check_id", req.ID.String()))
	}
}

// Message renders the operator-facing text for a finished check.
func Message(req *models.CheckRequest) string {
	name := req.Name
	if name == "" {
		name = req.SubmittedURL
	}

	var b strings.Builder
	fmt.Fprintf(&b, "【空確くん】%s\n", name)
	if req.Status == models.CheckStatusFailed {
		fmt.Fprintf(&b, "結果: エラー (%s)", req.ErrorMessage)
	} else {
		fmt.Fprintf(&b, "結果: %s", req.OutcomeLabel())
	}
	if req.Channel != "" {
		fmt.Fprintf(&b, "\n確認先: %s", req.Channel.DisplayName())
	}
	if req.CompanyName != "" {
		fmt.Fprintf(&b, "\n管理会社: %s", req.CompanyName)
		if req.CompanyPhone != "" {
			fmt.Fprintf(&b, " (%s)", req.CompanyPhone)
		}
	}
	return b.String()
}

// ============================================================================
// Slack
// ============================================================================

// SlackSender posts to a Slack incoming webhook.
type SlackSender struct {
	WebhookURL string
	Client     *http.Client
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, text string) error {
	return postJSON(ctx, s.Client, s.WebhookURL, nil, map[string]string{"text": text})
}

// ============================================================================
// LINE
// ============================================================================

// LineSender pushes a text message through the LINE Messaging API.
type LineSender struct {
	Token    string
	To       string
	Endpoint string // Defaults to LinePushURL
	Client   *http.Client
}

type linePush struct {
	To       string        `json:"to"`
	Messages []lineMessage `json:"messages"`
}

type lineMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (s *LineSender) Name() string { return "line" }

func (s *LineSender) Send(ctx context.Context, text string) error {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = LinePushURL
	}
	headers := map[string]string{"Authorization": "Bearer " + s.Token}
	return postJSON(ctx, s.Client, endpoint, headers, linePush{
		To:       s.To,
		Messages: []lineMessage{{Type: "text", Text: text}},
	})
}

// httpStatusError carries the response code so that 5xx answers are retried.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

func (e *httpStatusError) IsRetryable() bool {
	return e.status >= 500 || e.status == http.StatusTooManyRequests
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, payload any) error {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		// url.Error repeats the full endpoint, and webhook paths are secrets.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("failed to post to %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &httpStatusError{status: resp.StatusCode, body: logging.TruncateString(string(msg), 200)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
