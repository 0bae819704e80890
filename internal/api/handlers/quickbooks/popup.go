package quickbooks

import (
	"html/template"
	"log/slog"
	"net/http"
)

// popupMessage is the payload the result page posts back to the opener.
type popupMessage struct {
	Type        string `json:"type"`
	CompanyName string `json:"companyName,omitempty"`
	RealmID     string `json:"realmId,omitempty"`
	Error       string `json:"error,omitempty"`
	RedirectTo  string `json:"redirectTo,omitempty"`
}

const (
	messageAuthSuccess = "AUTH_SUCCESS"
	messageAuthError   = "AUTH_ERROR"
)

// resultTemplate is the intermediate handoff page rendered inside the
// authorization popup. It hands the result to the opener via postMessage with
// an explicit target origin, never "*", then closes itself. If the window
// was opened as a top-level navigation instead of a popup, it falls back to
// a plain redirect.
var resultTemplate = template.Must(template.New("qb-result").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>QuickBooks Connection</title>
</head>
<body>
  <p>{{if .Success}}QuickBooks connected. You can close this window.{{else}}QuickBooks connection failed. You can close this window.{{end}}</p>
  <script>
    (function() {
      var message = {{.Message}};
      var fallback = {{.Fallback}};
      if (window.opener && !window.opener.closed) {
        window.opener.postMessage(message, {{.TargetOrigin}});
        window.close();
      } else if (fallback) {
        window.location.replace(fallback);
      }
    })();
  </script>
</body>
</html>
`))

type resultPageData struct {
	Success      bool
	Message      popupMessage
	TargetOrigin string
	Fallback     string
}

func (h *Handler) renderResultPage(w http.ResponseWriter, status int, data resultPageData) {
	data.TargetOrigin = h.appOrigin
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := resultTemplate.Execute(w, data); err != nil {
		slog.Error("failed to render popup result page", "error", err)
	}
}
