package tokenserver

import (
	"bytes"
	"embed"
	"fmt"
	"net/http"
	"text/template"
	"time"
)

//go:embed templates/status.tmpl
var statusTemplatesFS embed.FS

// StatusData is the template model for the status page.
type StatusData struct {
	Version    string
	ServerTime string
	Uptime     string
	LastUpdate string

	Stats
}

func loadTemplate() (*template.Template, error) {
	b, err := statusTemplatesFS.ReadFile("templates/status.tmpl")
	if err != nil {
		return nil, fmt.Errorf("read embedded status template: %w", err)
	}
	t, err := template.New("status.tmpl").Option("missingkey=zero").Parse(string(b))
	if err != nil {
		return nil, fmt.Errorf("parse embedded status template: %w", err)
	}
	return t, nil
}

func (s *Server) statusData() StatusData {
	st := s.Stats()
	d := StatusData{
		Version:    s.cfg.Version,
		ServerTime: time.Now().UTC().Format(time.RFC3339),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Stats:      st,
	}
	if !st.LastUpdate.IsZero() {
		d.LastUpdate = st.LastUpdate.Format(time.RFC3339)
	}
	return d
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, s.statusData()); err != nil {
		http.Error(w, "Status Template Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
