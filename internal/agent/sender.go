package agent

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

	"go.uber.org/zap"

	"fleetmon/internal/backoff"
	"fleetmon/internal/logging"
	"fleetmon/internal/models"
)

const reportPath = "/api/agent/report"

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// Sender posts reports to the server, retrying transient failures.
type Sender struct {
	client   *http.Client
	endpoint string
	policy   backoff.Policy
	logger   *zap.Logger
}

// NewSender creates a sender for the server at serverURL.
func NewSender(serverURL string, timeout time.Duration, policy backoff.Policy, logger *zap.Logger) *Sender {
	return &Sender{
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(serverURL, "/") + reportPath,
		policy:   policy,
		logger:   logging.OrNop(logger).Named("sender"),
	}
}

// Send delivers one report. Client errors (4xx) are not retried.
func (s *Sender) Send(ctx context.Context, report models.PushReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	op := func() error {
		err := s.post(ctx, data)
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("Retrying send", zap.Error(err), zap.Duration("delay", wait))
	}

	if err := backoff.Retry(ctx, s.policy, op, notify); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	s.logger.Debug("Report sent", zap.String("target", report.TargetID), zap.Int("items", len(report.Items)))
	return nil
}

func (s *Sender) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
