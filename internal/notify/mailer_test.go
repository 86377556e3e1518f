package notify

import (
	"context"
	"errors"
	"net/smtp"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prime-checker/internal/config"
)

func TestSendWritesMessageIDHeader(t *testing.T) {
	m := NewMailer(config.SMTPConfig{Addr: "mail:1025", From: "noreply@test"})
	var gotTo []string
	var gotBody string
	m.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "mail:1025", addr)
		assert.Equal(t, "noreply@test", from)
		gotTo = to
		gotBody = string(msg)
		return nil
	}

	msg := ResultMessage("<abc@test>", "user@example.com", "97", true)
	require.NoError(t, m.Send(context.Background(), msg))
	assert.Equal(t, []string{"user@example.com"}, gotTo)
	assert.Contains(t, gotBody, "Message-ID: <abc@test>\r\n")
	assert.Contains(t, gotBody, "The number 97 is prime.")
}

func TestSendWrapsRelayErrors(t *testing.T) {
	m := NewMailer(config.SMTPConfig{Addr: "mail:1025"})
	m.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	err := m.Send(context.Background(), Message{To: "a@b"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "refused"))

	require.Error(t, m.Send(context.Background(), Message{}))
}

func TestSendHonoursRateLimit(t *testing.T) {
	m := NewMailer(config.SMTPConfig{RatePerSec: 0.001, Burst: 1})
	m.send = func(string, smtp.Auth, string, []string, []byte) error { return nil }
	require.NoError(t, m.Send(context.Background(), Message{To: "a@b"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, m.Send(ctx, Message{To: "a@b"}))
}

func TestNewMessageID(t *testing.T) {
	id := NewMessageID("example.org")
	assert.Regexp(t, regexp.MustCompile(`^<[0-9a-f-]{36}@example\.org>$`), id)
	assert.NotEqual(t, id, NewMessageID("example.org"))
}
