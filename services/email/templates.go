package email

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

// ActivationFollowUpNotice describes a payment whose activation retries ran out.
type ActivationFollowUpNotice struct {
	TransactionID string
	AccountID     string
	Email         string
	ProductID     string
	Attempts      int
	LastError     string
	FailedAt      time.Time
}

var activationFollowUpTemplate = template.Must(template.New("activation_followup").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Activation pending</title></head>
<body style="font-family: Arial, sans-serif; color: #1f2937;">
  <h2>Subscription activation needs attention</h2>
  <p>The card was charged but the subscription could not be activated after {{.Attempts}} attempts.</p>
  <table cellpadding="6" style="border-collapse: collapse;">
    <tr><td><strong>Transaction</strong></td><td>{{.TransactionID}}</td></tr>
    <tr><td><strong>Account</strong></td><td>{{.AccountID}}</td></tr>
    <tr><td><strong>Customer email</strong></td><td>{{.Email}}</td></tr>
    <tr><td><strong>Product</strong></td><td>{{.ProductID}}</td></tr>
    <tr><td><strong>Last error</strong></td><td>{{.LastError}}</td></tr>
    <tr><td><strong>Failed at</strong></td><td>{{.FailedAt.Format "2006-01-02 15:04:05 UTC"}}</td></tr>
  </table>
  <p>Activate the subscription manually and let the customer know.</p>
</body>
</html>`))

func renderActivationFollowUp(n ActivationFollowUpNotice) (string, error) {
	if n.FailedAt.IsZero() {
		n.FailedAt = time.Now()
	}
	n.FailedAt = n.FailedAt.UTC()

	var buf bytes.Buffer
	if err := activationFollowUpTemplate.Execute(&buf, n); err != nil {
		return "", fmt.Errorf("failed to render activation follow-up email: %w", err)
	}
	return buf.String(), nil
}
