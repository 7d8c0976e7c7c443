package threeds

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderRelayEmbedsMessage(t *testing.T) {
	p := NewPages(PageConfig{ProfileURL: "/profile"})
	d := Delivery{
		Message:         NewRelayMessage(Result{PaRes: "R1", TransactionID: "504"}),
		TargetOrigin:    "*",
		PostToOpener:    true,
		ClosePopupAfter: 2 * time.Second,
	}

	rec := httptest.NewRecorder()
	require.NoError(t, p.RenderRelay(rec, d))

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, `"closePopupAfterMs":2000`)
	assert.Contains(t, body, `"md":"504"`)
	assert.Contains(t, body, "postMessage")
}

func TestRenderErrorPage(t *testing.T) {
	p := NewPages(PageConfig{
		ProfileURL:       "/profile",
		FormCheckDelay:   500 * time.Millisecond,
		RetryDelay:       800 * time.Millisecond,
		CountdownSeconds: 10,
	})

	rec := httptest.NewRecorder()
	require.NoError(t, p.RenderError(rec, http.StatusBadRequest, "Payment confirmation data was not found"))

	body := rec.Body.String()
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body, "Payment confirmation data was not found")
	assert.Contains(t, body, `id="retry"`)
	assert.Regexp(t, `payments\\?/3ds\\?/capture`, body)
	assert.Regexp(t, `\},\s*800\s*\)\);`, body)
}
