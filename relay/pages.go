package relay

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/fwdcast/fwdcast/logging"
)

//go:embed templates/*.html
var pageTemplates embed.FS

// Pages renders the viewer-facing HTML surfaces: error pages, the login form,
// and the auth rate-limit countdown.
type Pages struct {
	templates *template.Template
	log       logging.Logger
}

func NewPages(logger logging.Logger) (*Pages, error) {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	tmpl, err := template.ParseFS(pageTemplates, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Pages{templates: tmpl, log: logger}, nil
}

type errorPageData struct {
	Message string
}

type loginPageData struct {
	SessionID string
	Redirect  string
	ShowError bool
}

type rateLimitPageData struct {
	SessionID string
	Redirect  string
	Seconds   int
}

func (p *Pages) render(w http.ResponseWriter, name string, data interface{}) {
	if err := p.templates.ExecuteTemplate(w, name, data); err != nil {
		p.log.WithError(err).Error("pages", "render", "Template render failed")
	}
}

func (p *Pages) NotFound(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusNotFound)
	p.render(w, "404.html", errorPageData{Message: message})
}

func (p *Pages) ViewerLimit(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Retry-After", "30")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusServiceUnavailable)
	p.render(w, "503.html", errorPageData{Message: message})
}

func (p *Pages) GatewayTimeout(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusGatewayTimeout)
	p.render(w, "504.html", errorPageData{Message: message})
}

func (p *Pages) Login(w http.ResponseWriter, sessionID, redirect string, showError bool) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	p.render(w, "login.html", loginPageData{
		SessionID: sessionID,
		Redirect:  redirect,
		ShowError: showError,
	})
}

func (p *Pages) RateLimited(w http.ResponseWriter, sessionID, redirect string, seconds int) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusTooManyRequests)
	p.render(w, "ratelimit.html", rateLimitPageData{
		SessionID: sessionID,
		Redirect:  redirect,
		Seconds:   seconds,
	})
}
