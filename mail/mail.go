// Package mail delivers one-time unlock codes to recipients.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidRecipient is returned when a recipient address cannot be parsed.
	ErrInvalidRecipient = errors.New("invalid recipient address")
	// ErrDelivery is returned when the provider did not accept the message.
	ErrDelivery = errors.New("mail delivery failed")
)

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer sends a message and returns the provider's message ID, which may be
// empty when the provider does not report one.
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// NormalizeRecipient validates addr and returns the bare address.
func NormalizeRecipient(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", ErrInvalidRecipient
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRecipient, err)
	}
	return parsed.Address, nil
}

// UnlockMessage renders the email carrying a one-time unlock code.
func UnlockMessage(to, code string, expiresAt time.Time) Message {
	var b strings.Builder
	b.WriteString("Your exam unlock code is:\n\n")
	b.WriteString("    " + code + "\n\n")
	fmt.Fprintf(&b, "The code can be used once and expires at %s.\n", expiresAt.UTC().Format(time.RFC1123))
	b.WriteString("If you did not request this code you can ignore this message.\n")
	return Message{
		To:      to,
		Subject: "Your exam unlock code",
		Body:    b.String(),
	}
}

// LogMailer writes messages to the structured log instead of sending them.
// It is meant for local development only.
type LogMailer struct {
	Logger *slog.Logger
}

// Send logs msg and returns a random message ID.
func (m *LogMailer) Send(ctx context.Context, msg Message) (string, error) {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	logger.InfoContext(ctx, "mail not sent (log mailer)",
		"id", id,
		"to", msg.To,
		"subject", msg.Subject,
		"body", msg.Body,
	)
	return id, nil
}
