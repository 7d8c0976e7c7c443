package threeds

import (
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/google/uuid"
)

var pageTemplates = template.Must(template.New("redirect").Parse(redirectPage))

func init() {
	template.Must(pageTemplates.New("relay").Parse(relayPage))
	template.Must(pageTemplates.New("error").Parse(errorPage))
	template.Must(pageTemplates.New("relayScript").Parse(relayScript))
}

// Instructions is what the page script needs to finish a delivery.
type Instructions struct {
	Message           RelayMessage `json:"message"`
	TargetOrigin      string       `json:"targetOrigin"`
	PostToOpener      bool         `json:"postToOpener"`
	PostToParent      bool         `json:"postToParent"`
	ClosePopupAfterMs int64        `json:"closePopupAfterMs"`
	ResumeURL         string       `json:"resumeUrl"`
}

// PageConfig holds the timings and links baked into the rendered pages.
type PageConfig struct {
	CaptureURL       string
	ProfileURL       string
	SubmitDelay      time.Duration
	FormCheckDelay   time.Duration
	RetryDelay       time.Duration
	CountdownSeconds int
}

type Pages struct {
	cfg PageConfig
}

func NewPages(cfg PageConfig) *Pages {
	if cfg.CaptureURL == "" {
		cfg.CaptureURL = "/payments/3ds/capture"
	}
	return &Pages{cfg: cfg}
}

func (p *Pages) Instructions(d Delivery) Instructions {
	return Instructions{
		Message:           d.Message,
		TargetOrigin:      d.TargetOrigin,
		PostToOpener:      d.PostToOpener,
		PostToParent:      d.PostToParent,
		ClosePopupAfterMs: d.ClosePopupAfter.Milliseconds(),
		ResumeURL:         p.cfg.ProfileURL,
	}
}

// RenderRedirect writes the auto-submitting ACS form.
func (p *Pages) RenderRedirect(w http.ResponseWriter, params ChallengeParams, termURL string) error {
	return p.render(w, http.StatusOK, "redirect", map[string]interface{}{
		"AcsURL":        params.AcsURL,
		"PaReq":         params.PaReq,
		"MD":            params.TransactionID,
		"TermURL":       termURL,
		"SubmitDelayMs": p.cfg.SubmitDelay.Milliseconds(),
	})
}

// RenderRelay writes the success page that posts the message back.
func (p *Pages) RenderRelay(w http.ResponseWriter, d Delivery) error {
	return p.render(w, http.StatusOK, "relay", map[string]interface{}{
		"Relay": p.Instructions(d),
	})
}

// RenderError writes the fallback page. Its script keeps looking for the
// result in the page and in intercepted submits.
func (p *Pages) RenderError(w http.ResponseWriter, status int, message string) error {
	return p.render(w, status, "error", map[string]interface{}{
		"Message":          message,
		"CaptureURL":       p.cfg.CaptureURL,
		"ProfileURL":       p.cfg.ProfileURL,
		"FormCheckDelayMs": p.cfg.FormCheckDelay.Milliseconds(),
		"RetryDelayMs":     p.cfg.RetryDelay.Milliseconds(),
		"Countdown":        p.cfg.CountdownSeconds,
	})
}

func (p *Pages) render(w http.ResponseWriter, status int, name string, data map[string]interface{}) error {
	nonce := uuid.NewString()
	data["Nonce"] = nonce

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Security-Policy", fmt.Sprintf("default-src 'self'; script-src 'nonce-%s'; form-action *", nonce))
	w.WriteHeader(status)

	if err := pageTemplates.ExecuteTemplate(w, name, data); err != nil {
		return fmt.Errorf("failed to render %s page: %w", name, err)
	}
	return nil
}

const relayScript = `function applyRelay(r) {
  var framed = window.parent && window.parent !== window;
  var popup = window.opener && !window.opener.closed;
  if (r.postToOpener && popup) {
    try { window.opener.postMessage(r.message, r.targetOrigin); } catch (e) {}
  }
  if (r.postToParent && framed) {
    try { window.parent.postMessage(r.message, r.targetOrigin); } catch (e) {}
  }
  if (popup) {
    setTimeout(function () { window.close(); }, r.closePopupAfterMs);
  } else if (!framed && r.resumeUrl) {
    var sep = r.resumeUrl.indexOf('?') === -1 ? '?' : '&';
    window.location.replace(r.resumeUrl + sep + 'md=' + encodeURIComponent(r.message.transactionId));
  }
}`

const redirectPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Redirecting to your bank</title></head>
<body>
<p>Redirecting to your bank for confirmation&hellip;</p>
<form id="acs-form" method="POST" action="{{.AcsURL}}">
  <input type="hidden" name="PaReq" value="{{.PaReq}}">
  <input type="hidden" name="MD" value="{{.MD}}">
  <input type="hidden" name="TermUrl" value="{{.TermURL}}">
  <noscript><button type="submit">Continue</button></noscript>
</form>
<script nonce="{{.Nonce}}">
setTimeout(function () { document.getElementById('acs-form').submit(); }, {{.SubmitDelayMs}});
</script>
</body>
</html>`

const relayPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Payment confirmed</title></head>
<body>
<p>Confirmation received. You can return to the payment page.</p>
<script nonce="{{.Nonce}}">
{{template "relayScript"}}
applyRelay({{.Relay}});
</script>
</body>
</html>`

const errorPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Payment confirmation</title></head>
<body>
<p id="status">{{.Message}}</p>
<button id="retry" type="button">Try again</button>
<p>Returning to your profile in <span id="countdown">{{.Countdown}}</span>s.</p>
<script nonce="{{.Nonce}}">
{{template "relayScript"}}
(function () {
  var done = false;
  var captureUrl = {{.CaptureURL}};
  var remaining = {{.Countdown}};
  var timers = [];

  function stop() {
    done = true;
    timers.forEach(function (t) { clearTimeout(t); clearInterval(t); });
  }

  function send(body, type, retry) {
    if (done) { return; }
    fetch(captureUrl + (retry ? '?retry=1' : ''), {
      method: 'POST',
      headers: { 'Content-Type': type },
      body: body,
      credentials: 'same-origin'
    }).then(function (res) { return res.ok ? res.json() : null; })
      .then(function (out) {
        if (out && out.status === 'success' && !done) {
          stop();
          document.getElementById('status').textContent = 'Confirmation received.';
          applyRelay(out.data);
        }
      }).catch(function () {});
  }

  function scan(retry) {
    send(document.documentElement.outerHTML, 'text/html', retry);
  }

  document.addEventListener('submit', function (e) {
    e.preventDefault();
    send(new URLSearchParams(new FormData(e.target)).toString(), 'application/x-www-form-urlencoded', false);
  }, true);

  document.getElementById('retry').addEventListener('click', function () { scan(true); });

  timers.push(setTimeout(function () { scan(false); }, {{.FormCheckDelayMs}}));
  timers.push(setTimeout(function () { scan(true); }, {{.RetryDelayMs}}));
  timers.push(setInterval(function () {
    remaining--;
    document.getElementById('countdown').textContent = remaining;
    if (remaining <= 0) {
      stop();
      window.location.href = {{.ProfileURL}};
    }
  }, 1000));
})();
</script>
</body>
</html>`
