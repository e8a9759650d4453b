package cli

import (
	"io"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"

	"fbiproxy/internal/config"
)

var (
	bannerTitle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	bannerDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	bannerHeader = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	bannerCell   = lipgloss.NewStyle().Padding(0, 1)
)

// routingExamples returns (request host, target, rule) rows for the
// configured domain.
func routingExamples(domain string) [][]string {
	suffix := ""
	if domain != "" {
		suffix = "." + domain
	}
	return [][]string{
		{"3000" + suffix, "localhost:3000", "numeric"},
		{"api--3001" + suffix, "api:3001", "host--port"},
		{"3002.dev" + suffix, "localhost:3002", "numeric subdomain"},
		{"api" + suffix, "api:80", "plain host"},
	}
}

func printBanner(w io.Writer, cfg config.Config) {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(bannerDim).
		Headers("Host", "Forwards to", "Rule").
		Rows(routingExamples(cfg.Domain)...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return bannerHeader
			}
			return bannerCell
		})

	scope := "every host"
	if cfg.Domain != "" {
		scope = "*." + cfg.Domain
	}
	_, _ = lipgloss.Fprintln(w, bannerTitle.Render("Routing "+scope))
	_, _ = lipgloss.Fprintln(w, t.Render())
	if cfg.AdminAddr != "" {
		_, _ = lipgloss.Fprintln(w, bannerDim.Render("Admin API on http://"+cfg.AdminAddr))
	}
}
