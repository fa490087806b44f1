package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

type captured struct {
	titles []string
	msgs   []string
	err    error
}

func (c *captured) Send(_ context.Context, title, message string) error {
	c.titles = append(c.titles, title)
	c.msgs = append(c.msgs, message)
	return c.err
}

func (c *captured) Name() string { return "captured" }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func transitioned(to domain.EpochStatus, reason string) domain.Event {
	return domain.Event{
		ID:         "evt",
		Type:       domain.EventEpochTransitioned,
		EpochID:    "ep-7",
		OccurredAt: time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC),
		Payload:    map[string]string{"from": "clearing", "to": string(to), "sequence": "7", "reason": reason},
	}
}

func TestDefaultAlerts(t *testing.T) {
	c := &captured{}
	n := NewNotifier([]Sender{c}, nil, quiet())
	ctx := context.Background()

	require.NoError(t, n.Deliver(ctx, transitioned(domain.EpochStatusFailed, "matching: invariant violated")))
	require.NoError(t, n.Deliver(ctx, transitioned(domain.EpochStatusSettled, "")))
	require.NoError(t, n.Deliver(ctx, domain.Event{Type: domain.EventOrderAccepted}))
	require.NoError(t, n.Deliver(ctx, domain.Event{
		Type:    domain.EventSettlementFailed,
		Payload: map[string]string{"settlement_id": "s1", "match_id": "m1", "retry_count": "5", "kind": "timeout", "error": "ledger confirm: timeout"},
	}))

	require.Len(t, c.titles, 2)
	assert.Equal(t, "Epoch 7 failed", c.titles[0])
	assert.Contains(t, c.msgs[0], "matching: invariant violated")
	assert.Equal(t, "Settlement needs attention", c.titles[1])
	assert.Contains(t, c.msgs[1], "after 5 attempts (timeout)")
}

func TestConfiguredAlerts(t *testing.T) {
	c := &captured{}
	n := NewNotifier([]Sender{c}, []string{AlertEpochSettled}, quiet())

	require.NoError(t, n.Deliver(context.Background(), transitioned(domain.EpochStatusFailed, "x")))
	require.NoError(t, n.Deliver(context.Background(), transitioned(domain.EpochStatusSettled, "")))
	assert.Equal(t, []string{"Epoch 7 cleared"}, c.titles)
}

func TestSendContinuesPastFailingSender(t *testing.T) {
	bad := &captured{err: errors.New("webhook gone")}
	good := &captured{}
	n := NewNotifier([]Sender{bad, good}, nil, quiet())

	err := n.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook gone")
	assert.Len(t, good.titles, 1)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL, "TOKEN", "42")
	require.NoError(t, s.Send(context.Background(), "Epoch 7 failed", "boom"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Epoch 7 failed*\nboom", got["text"])
}

func TestDiscordSenderTruncatesAndReportsStatus(t *testing.T) {
	var content string
	status := http.StatusNoContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		content = body["content"]
		w.WriteHeader(status)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "t", strings.Repeat("x", 3000)))
	assert.Len(t, content, discordContentLimit)

	status = http.StatusTooManyRequests
	err := s.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
