package email

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderActivationFollowUp(t *testing.T) {
	body, err := renderActivationFollowUp(ActivationFollowUpNotice{
		TransactionID: "TX1",
		AccountID:     "42",
		Email:         "ana@example.com",
		ProductID:     "pro_monthly",
		Attempts:      5,
		LastError:     "<script>alert(1)</script>",
		FailedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Contains(t, body, "TX1")
	assert.Contains(t, body, "after 5 attempts")
	assert.Contains(t, body, "2026-03-01 12:00:00 UTC")
	assert.NotContains(t, body, "<script>")
}

func TestBuildMessageHeaders(t *testing.T) {
	msg := string(buildMessage("no-reply@imagegen.app", "support@imagegen.app", "Hello", "<p>x</p>"))
	assert.Contains(t, msg, "From: ImageGen <no-reply@imagegen.app>\r\n")
	assert.Contains(t, msg, "Subject: Hello\r\n")
	assert.Contains(t, msg, "\r\n\r\n<p>x</p>")
}

func TestSendEmailRequiresHost(t *testing.T) {
	err := NewSMTPService(SMTPConfig{}).SendEmail("a@example.com", "s", "b")
	require.Error(t, err)
}
