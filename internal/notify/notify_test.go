package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	name  string
	err   error
	calls []string
}

func (s *fakeSender) Send(_ context.Context, title, _ string) error {
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, title)
	return nil
}

func (s *fakeSender) Name() string { return s.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersEvents(t *testing.T) {
	sender := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{sender}, []string{"risk.critical", "episode.failed"}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), "risk.warning", "Warning", "hf dropping"))
	assert.Empty(t, sender.calls, "filtered event must not reach senders")

	require.NoError(t, n.Notify(context.Background(), "risk.critical", "Critical", "hf below minimum"))
	assert.Equal(t, []string{"Critical"}, sender.calls)
}

func TestNotifierEmptyAllowlistPassesAll(t *testing.T) {
	sender := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{sender}, nil, discardLogger())

	require.NoError(t, n.Notify(context.Background(), "anything.at.all", "Hello", "world"))
	assert.Equal(t, []string{"Hello"}, sender.calls)
}

func TestNotifierAllowlistTrimsWhitespace(t *testing.T) {
	sender := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{sender}, []string{" guard.started "}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), "guard.started", "Started", ""))
	assert.Len(t, sender.calls, 1)
}

func TestNotifierFanOutContinuesPastFailure(t *testing.T) {
	failing := &fakeSender{name: "telegram", err: errors.New("api down")}
	working := &fakeSender{name: "discord"}
	n := NewNotifier([]Sender{failing, working}, nil, discardLogger())

	err := n.Notify(context.Background(), "episode.failed", "Failed", "retries exhausted")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 sender(s) failed")
	assert.Contains(t, err.Error(), "telegram")

	// The failure of one sender must not block the other.
	assert.Equal(t, []string{"Failed"}, working.calls)
}

func TestNotifierNoSenders(t *testing.T) {
	n := NewNotifier(nil, nil, discardLogger())
	assert.NoError(t, n.Notify(context.Background(), "guard.stopped", "Stopped", ""))
}

func TestTelegramSenderPostsMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	sender := NewTelegramSender("test-token", "42")
	sender.baseURL = srv.URL

	require.NoError(t, sender.Send(context.Background(), "Position at risk", "hf=1.03"))

	assert.Equal(t, "/bottest-token/sendMessage", gotPath)
	assert.Equal(t, "42", gotBody["chat_id"])
	assert.Equal(t, "*Position at risk*\nhf=1.03", gotBody["text"])
	assert.Equal(t, "Markdown", gotBody["parse_mode"])
}

func TestTelegramSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	sender := NewTelegramSender("bad", "42")
	sender.baseURL = srv.URL

	err := sender.Send(context.Background(), "t", "m")
	assert.ErrorContains(t, err, "unexpected status 401")
}

func TestDiscordSenderPostsContent(t *testing.T) {
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sender := NewDiscordSender(srv.URL)
	require.NoError(t, sender.Send(context.Background(), "Mitigation confirmed", "tx 0xdead"))

	assert.Equal(t, "**Mitigation confirmed**\ntx 0xdead", gotBody["content"])
}

func TestDiscordSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	sender := NewDiscordSender(srv.URL)
	err := sender.Send(context.Background(), "t", "m")
	assert.ErrorContains(t, err, "unexpected status 429")
}

func TestSenderNames(t *testing.T) {
	assert.Equal(t, "telegram", NewTelegramSender("x", "y").Name())
	assert.Equal(t, "discord", NewDiscordSender("http://example.com").Name())
}
