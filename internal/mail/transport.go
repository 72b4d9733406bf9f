// Package mail defines how rendered digests reach a recipient.
package mail

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
)

// RecipientPlaceholder is replaced with the recipient address in every outgoing message.
const RecipientPlaceholder = "*|EMAIL|*"

// Message is a single HTML email to one recipient.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Transport delivers messages.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Merge substitutes the recipient placeholder with the query-escaped recipient address.
func Merge(html, recipient string) string {
	return strings.ReplaceAll(html, RecipientPlaceholder, url.QueryEscape(recipient))
}

// LogTransport logs messages instead of delivering them.
type LogTransport struct{}

// Send logs the message envelope.
func (LogTransport) Send(_ context.Context, msg Message) error {
	slog.Info("email delivery disabled, message logged",
		"to", msg.To,
		"subject", msg.Subject,
		"html_bytes", len(msg.HTML),
	)
	return nil
}
