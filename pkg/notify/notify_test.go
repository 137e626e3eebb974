package notify

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/billstream/billstream/pkg/fault"
)

func TestRenderOcrCompleted(t *testing.T) {
	subject, body, err := Render(TemplateOcrCompleted, map[string]string{
		"billId":         "b1",
		"title":          "Electric",
		"extractedTotal": "151.50",
	})
	require.NoError(t, err)
	require.Equal(t, "Bill b1 processed", subject)
	require.Contains(t, body, "Bill b1 (Electric) has been processed.")
	require.Contains(t, body, "Extracted total: 151.50")
}

func TestRenderOcrCompletedWithoutTotal(t *testing.T) {
	_, body, err := Render(TemplateOcrCompleted, map[string]string{
		"billId": "b1",
		"title":  "Electric",
	})
	require.NoError(t, err)
	require.NotContains(t, body, "Extracted total")
}

func TestRenderBillApproved(t *testing.T) {
	subject, body, err := Render(TemplateBillApproved, map[string]string{
		"billId":     "b1",
		"title":      "Electric",
		"total":      "150.00",
		"decision":   "Rejected",
		"approverId": "u2",
		"reason":     "duplicate submission",
	})
	require.NoError(t, err)
	require.Equal(t, "Bill b1 Rejected", subject)
	require.Contains(t, body, "was Rejected by u2")
	require.Contains(t, body, "Reason: duplicate submission")
}

func TestRenderRejectsUnknownTemplate(t *testing.T) {
	_, _, err := Render("password_reset", nil)
	require.Equal(t, fault.KindInternal, fault.KindOf(err))
}

func TestLogNotifierSendsNothing(t *testing.T) {
	n := NewLogNotifier(slog.Default())
	err := n.Send(context.Background(), TemplateBillApproved, []string{"ops@example.com"},
		map[string]string{"billId": "b1", "decision": "Approved"})
	require.NoError(t, err)

	err = n.Send(context.Background(), "bogus", nil, nil)
	require.Error(t, err)
}

func TestSMTPNotifierDialFailureIsTransient(t *testing.T) {
	n := NewSMTPNotifier("127.0.0.1:1", "bills@example.com", slog.Default())
	err := n.Send(context.Background(), TemplateBillApproved, []string{"ops@example.com"},
		map[string]string{"billId": "b1", "decision": "Approved"})
	require.Equal(t, fault.KindTransient, fault.KindOf(err))
}
