// Package notify delivers check results by email. The Message-ID header of
// each mail is the message_id recorded on the check.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"prime-checker/internal/config"
)

// Message is one outgoing notification.
type Message struct {
	ID      string
	To      string
	Subject string
	Body    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends through an SMTP relay, throttled so a burst of completions
// does not flood it.
type Mailer struct {
	addr    string
	from    string
	auth    smtp.Auth
	limiter *rate.Limiter
	send    sendFunc
}

// NewMailer builds a Mailer from SMTP settings.
func NewMailer(cfg config.SMTPConfig) *Mailer {
	var auth smtp.Auth
	if cfg.Username != "" {
		host := cfg.Addr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Mailer{
		addr:    cfg.Addr,
		from:    cfg.From,
		auth:    auth,
		limiter: rate.NewLimiter(limit, burst),
		send:    smtp.SendMail,
	}
}

// Send waits for a rate token and hands the message to the relay.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("notify: empty recipient")
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify: rate wait: %w", err)
	}
	if err := m.send(m.addr, m.auth, m.from, []string{msg.To}, m.render(msg)); err != nil {
		return fmt.Errorf("notify: smtp send: %w", err)
	}
	return nil
}

func (m *Mailer) render(msg Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", m.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	if msg.ID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\r\n", msg.ID)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

// NewMessageID returns an RFC 5322 message id under domain.
func NewMessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// ResultMessage renders the notification for a finished check.
func ResultMessage(messageID, to, number string, isPrime bool) Message {
	verdict := "is not prime"
	if isPrime {
		verdict = "is prime"
	}
	return Message{
		ID:      messageID,
		To:      to,
		Subject: "Prime check result",
		Body:    fmt.Sprintf("The number %s %s.\n", number, verdict),
	}
}
