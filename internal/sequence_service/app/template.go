package app

import (
	"strings"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

// RenderMessage fills the prospect placeholders of a script step. Unknown placeholders
// are left as written.
func RenderMessage(content string, p *core_domain.Prospect) string {
	if p == nil {
		return content
	}
	first := p.FirstName
	if first == "" {
		first, _, _ = strings.Cut(p.DisplayName(), " ")
	}
	r := strings.NewReplacer(
		"{{FirstName}}", first,
		"{{LastName}}", p.LastName,
		"{{Name}}", p.DisplayName(),
		"{{Company}}", p.Company,
		"{{Title}}", p.Title,
	)
	return r.Replace(content)
}
