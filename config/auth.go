package config

import "strings"

// AuthConfig controls bearer-token verification on the admin API.
// When IssuerURL is empty the API is served without authentication, which is
// only appropriate behind a trusted network boundary.
type AuthConfig struct {
	IssuerURL string `env:"ISSUER_URL"`
	Audience  string `env:"AUDIENCE"   envDefault:"listingsync"`
	// AdminGroup, when set, must appear in the token's groups claim.
	AdminGroup string `env:"ADMIN_GROUP"`
}

// Sanitize trims whitespace from auth settings.
func (a *AuthConfig) Sanitize() {
	a.IssuerURL = strings.TrimSuffix(strings.TrimSpace(a.IssuerURL), "/")
	a.Audience = strings.TrimSpace(a.Audience)
	a.AdminGroup = strings.TrimSpace(a.AdminGroup)
}

// Enabled reports whether bearer verification is configured.
func (a *AuthConfig) Enabled() bool {
	return a.IssuerURL != ""
}
