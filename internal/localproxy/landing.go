package localproxy

import (
	"html/template"
	"net/http"
)

type landingExample struct {
	Host   string
	Target string
	Note   string
}

type landingView struct {
	Domain   string
	Examples []landingExample
}

func newLandingView(domain string) landingView {
	suffix := ""
	if domain != "" {
		suffix = "." + domain
	}
	return landingView{
		Domain: domain,
		Examples: []landingExample{
			{Host: "3000" + suffix, Target: "localhost:3000", Note: "numeric host"},
			{Host: "api--3001" + suffix, Target: "api:3001", Note: "host--port"},
			{Host: "3002.dev" + suffix, Target: "localhost:3002", Note: "numeric subdomain, Host becomes dev"},
			{Host: "api" + suffix, Target: "api:80", Note: "plain host"},
		},
	}
}

func (s *Server) serveLanding(w http.ResponseWriter) int {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := landingTemplate.Execute(w, s.landing); err != nil {
		s.log.Debug("render landing page", "error", err)
	}
	return http.StatusOK
}

var landingTemplate = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>FBI Proxy</title>
    <style>
      :root {
        --bg: #f6f4ef;
        --panel: #ffffff;
        --ink: #1d1f24;
        --muted: #5d6470;
        --accent: #0f766e;
        --border: #d8d3c6;
      }
      * { box-sizing: border-box; }
      body {
        margin: 0;
        font-family: ui-sans-serif, system-ui, -apple-system, Segoe UI, sans-serif;
        color: var(--ink);
        background: var(--bg);
      }
      .wrap {
        max-width: 860px;
        margin: 32px auto;
        padding: 0 18px;
      }
      .panel {
        background: var(--panel);
        border: 1px solid var(--border);
        border-radius: 14px;
        padding: 22px;
      }
      h1 { margin: 0 0 10px; font-size: 1.45rem; }
      .meta { color: var(--muted); margin: 4px 0 18px; }
      table { border-collapse: collapse; width: 100%; }
      td, th { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--border); }
      code {
        font-family: ui-monospace, SFMono-Regular, Menlo, Monaco, monospace;
        background: #f2f5f8;
        border: 1px solid #dde3ea;
        border-radius: 6px;
        padding: 2px 6px;
      }
    </style>
  </head>
  <body>
    <main class="wrap">
      <section class="panel">
        <h1>FBI Proxy</h1>
        {{if .Domain}}<p class="meta">Serving <code>*.{{.Domain}}</code></p>{{end}}
        <table>
          <tr><th>Request host</th><th>Forwarded to</th><th>Rule</th></tr>
          {{range .Examples}}
            <tr><td><code>{{.Host}}</code></td><td><code>{{.Target}}</code></td><td>{{.Note}}</td></tr>
          {{end}}
        </table>
      </section>
    </main>
  </body>
</html>`))
