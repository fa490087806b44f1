// Package notify turns clearing-core events into operator alerts and sends
// them to chat webhooks.
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
	"time"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// Alert kinds accepted in the notify.alerts configuration list.
const (
	AlertEpochFailed         = "epoch_failed"
	AlertSettlementExhausted = "settlement_exhausted"
	AlertEpochSettled        = "epoch_settled"
)

// DefaultAlerts are sent when no alert list is configured.
var DefaultAlerts = []string{AlertEpochFailed, AlertSettlementExhausted}

// Sender delivers one alert to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier maps events to alerts and fans them out to every sender. It
// implements events.Sink.
type Notifier struct {
	senders []Sender
	enabled map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty alerts list enables DefaultAlerts.
func NewNotifier(senders []Sender, alerts []string, logger *slog.Logger) *Notifier {
	if len(alerts) == 0 {
		alerts = DefaultAlerts
	}
	enabled := make(map[string]bool, len(alerts))
	for _, a := range alerts {
		enabled[strings.TrimSpace(a)] = true
	}
	return &Notifier{
		senders: senders,
		enabled: enabled,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Name implements events.Sink.
func (n *Notifier) Name() string { return "notify" }

// Deliver implements events.Sink. Events that map to no enabled alert are
// ignored.
func (n *Notifier) Deliver(ctx context.Context, evt domain.Event) error {
	kind, title, msg, ok := alertFor(evt)
	if !ok || !n.enabled[kind] {
		return nil
	}
	return n.Send(ctx, title, msg)
}

// Send delivers to every sender. One failing sender does not stop the rest.
func (n *Notifier) Send(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "alert delivery failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	return errors.Join(errs...)
}

func alertFor(evt domain.Event) (kind, title, message string, ok bool) {
	p := evt.Payload
	switch evt.Type {
	case domain.EventEpochTransitioned:
		switch domain.EpochStatus(p["to"]) {
		case domain.EpochStatusFailed:
			return AlertEpochFailed,
				fmt.Sprintf("Epoch %s failed", p["sequence"]),
				fmt.Sprintf("epoch %s (%s -> failed): %s", evt.EpochID, p["from"], p["reason"]),
				true
		case domain.EpochStatusSettled:
			return AlertEpochSettled,
				fmt.Sprintf("Epoch %s cleared", p["sequence"]),
				fmt.Sprintf("epoch %s settled at %s", evt.EpochID, evt.OccurredAt.Format(time.RFC3339)),
				true
		}
	case domain.EventSettlementFailed:
		return AlertSettlementExhausted,
			"Settlement needs attention",
			fmt.Sprintf("settlement %s for match %s gave up after %s attempts (%s): %s",
				p["settlement_id"], p["match_id"], p["retry_count"], p["kind"], p["error"]),
			true
	}
	return "", "", "", false
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// postJSON posts body to url and treats any non-2xx status as an error.
func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}
