// Package draft fills in missing locale keys by machine-translating the
// blurbs of another locale. Drafts are written into the local cache, so
// they reach the remote store through the normal flush path.
package draft

import "context"

// Style controls the tone and formality of drafted text.
type Style string

const (
	StyleFormal    Style = "formal"
	StyleNeutral   Style = "neutral"
	StyleCasual    Style = "casual"
	StyleMarketing Style = "marketing"
	StyleTechnical Style = "technical"
)

// Description returns the prompt wording for a style. Unknown or empty
// styles read as neutral.
func (s Style) Description() string {
	switch s {
	case StyleFormal:
		return "Use formal, professional language suitable for official communication."
	case StyleCasual:
		return "Use casual, conversational language."
	case StyleMarketing:
		return "Use persuasive, engaging language suitable for promotional copy."
	case StyleTechnical:
		return "Use precise technical language suitable for documentation."
	default:
		return "Use a neutral, professional tone."
	}
}

// Request is one batch of texts to translate.
type Request struct {
	Texts         []string          // Source texts, in order
	Keys          []string          // Blurb keys for Texts, used as hints (optional)
	SourceLang    string            // Source locale (default: "en")
	TargetLang    string            // Target locale
	Context       string            // Global context for the whole batch
	ExcludedTerms []string          // Terms never translated
	Glossary      map[string]string // Preferred translations
	Style         Style
}

// Provider translates a batch of texts, returning one result per input in order.
type Provider interface {
	Translate(ctx context.Context, req Request) ([]string, error)
}
