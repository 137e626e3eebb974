// Package notify delivers human-facing messages for bill milestones. It is
// strictly an output adapter: a failed or skipped notification never feeds
// back into bill state.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"text/template"

	"github.com/billstream/billstream/pkg/fault"
)

// Template names understood by Render.
const (
	TemplateOcrCompleted = "ocr_completed"
	TemplateBillApproved = "bill_approved"
)

// Notifier delivers one rendered message to recipients.
type Notifier interface {
	Send(ctx context.Context, templateName string, recipients []string, vars map[string]string) error
}

type message struct {
	subject string
	body    string
}

var templates = map[string]message{
	TemplateOcrCompleted: {
		subject: `Bill {{.billId}} processed`,
		body: `Bill {{.billId}} ({{.title}}) has been processed.
{{if .extractedTotal}}Extracted total: {{.extractedTotal}}
{{end}}It is ready for an approval decision.
`,
	},
	TemplateBillApproved: {
		subject: `Bill {{.billId}} {{.decision}}`,
		body: `Bill {{.billId}} ({{.title}}, total {{.total}}) was {{.decision}} by {{.approverId}}.
{{if .reason}}Reason: {{.reason}}
{{end}}`,
	},
}

// Render produces the subject and body for a named template. Unknown
// template names and malformed variable sets are internal errors; nothing
// user-provided reaches the template source.
func Render(templateName string, vars map[string]string) (subject, body string, err error) {
	msg, ok := templates[templateName]
	if !ok {
		return "", "", fault.Internal("unknown notification template "+templateName, nil)
	}
	subject, err = render(templateName+".subject", msg.subject, vars)
	if err != nil {
		return "", "", err
	}
	body, err = render(templateName+".body", msg.body, vars)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

func render(name, text string, vars map[string]string) (string, error) {
	tpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fault.Internal("notification template parse failed", err)
	}
	var out strings.Builder
	if err := tpl.Execute(&out, vars); err != nil {
		return "", fault.Internal("notification template render failed", err)
	}
	return out.String(), nil
}

// LogNotifier writes notifications to the log instead of sending them.
// Lite mode uses it when no SMTP endpoint is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier builds a log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) Send(ctx context.Context, templateName string, recipients []string, vars map[string]string) error {
	subject, body, err := Render(templateName, vars)
	if err != nil {
		return err
	}
	n.logger.Info("notification",
		"template", templateName, "recipients", strings.Join(recipients, ","),
		"subject", subject, "body", body)
	return nil
}
