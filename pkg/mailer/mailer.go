// Package mailer defines the mail-delivery port used by the send-email
// task handler. Providers implement Sender; the Resend adapter lives in the
// resend subpackage.
package mailer

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoRecipient is returned when an email has no To address.
	ErrNoRecipient = errors.New("mailer: no recipient")

	// ErrSendFailed wraps provider delivery failures.
	ErrSendFailed = errors.New("mailer: send failed")
)

// Email is a fully-prepared message ready for delivery.
type Email struct {
	Headers map[string]string
	Subject string
	HTML    string
	Text    string
	From    string
	ReplyTo string
	To      []string
	CC      []string
	BCC     []string
}

// Sender is the minimal interface mail providers implement.
type Sender interface {
	// Send delivers the email. To, Subject, and at least one of HTML or
	// Text must be set.
	Send(ctx context.Context, email *Email) error
}

// Recipient formats a name and address into RFC 5322 form:
// "Name <email>", or just the email when name is empty.
func Recipient(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}
