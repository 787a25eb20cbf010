package jobs

import (
	"context"
	"fmt"
	"strings"

	"creditd/internal/ledger"
	"creditd/pkg/config"
	"creditd/pkg/email"
	"creditd/pkg/logging"
)

// alerter emails the operations inbox when the reconciliation audit
// finds drifted accounts. Disabled when SMTP or the recipient is not
// configured.
type alerter struct {
	sender *email.Sender
	to     string
	logger logging.Logger
}

func newAlerter(log logging.Logger) *alerter {
	host := config.GetEnv("SMTP_HOST", "")
	to := config.GetEnv("BILLING_ALERT_EMAIL", "")
	if host == "" || to == "" {
		return nil
	}

	sender := email.NewSender(email.Config{
		Host:     host,
		Port:     config.GetEnv("SMTP_PORT", "587"),
		User:     config.GetEnv("SMTP_USER", ""),
		Password: config.GetEnv("SMTP_PASSWORD", ""),
		From:     config.GetEnv("SMTP_FROM", "creditd@localhost"),
		FromName: "Credit Ledger",
	})
	return &alerter{sender: sender, to: to, logger: log}
}

func (a *alerter) driftAlert(ctx context.Context, reports []ledger.ReconcileReport) {
	if a == nil || len(reports) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString("<p>The reconciliation audit found accounts whose balance does not match the sum of their ledger entries:</p><ul>")
	for _, r := range reports {
		fmt.Fprintf(&b, "<li>%s: balance %s, entries %s, drift %s</li>",
			r.OrganizationID, r.Balance, r.TransactionSum, r.Drift)
	}
	b.WriteString("</ul><p>Drift is reported, never auto-corrected. Investigate before adjusting.</p>")

	subject := fmt.Sprintf("Credit ledger drift on %d account(s)", len(reports))
	if err := a.sender.SendMail(ctx, a.to, subject, b.String()); err != nil {
		a.logger.WithError(err).Warn("Failed to send drift alert email")
	}
}
