package tasks

import (
	"context"
	"errors"
	"strings"

	"github.com/conduitapp/conduit/internal/task"
	"github.com/conduitapp/conduit/pkg/mailer"
)

// sendEmailHandler delivers one notification email through the configured
// provider. Redeliveries resend; mail providers deduplicate poorly, so
// schedules for this kind should keep retries low.
func sendEmailHandler(sender mailer.Sender) task.Handler {
	return func(ctx context.Context, inv task.Invocation) (any, error) {
		to := stringParam(inv.Kwargs, "to")
		subject := stringParam(inv.Kwargs, "subject")
		body := stringParam(inv.Kwargs, "body")

		if to == "" || subject == "" || body == "" {
			return nil, errors.New("tasks: send-email requires to, subject, and body")
		}

		email := &mailer.Email{
			To:      splitRecipients(to),
			Subject: subject,
			Text:    body,
		}
		if html := stringParam(inv.Kwargs, "html"); html != "" {
			email.HTML = html
		}

		if err := sender.Send(ctx, email); err != nil {
			return nil, err
		}
		return map[string]any{"recipients": len(email.To)}, nil
	}
}

func stringParam(kwargs map[string]any, name string) string {
	v, _ := kwargs[name].(string)
	return strings.TrimSpace(v)
}

func splitRecipients(to string) []string {
	parts := strings.Split(to, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
