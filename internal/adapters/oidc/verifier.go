// Package oidc verifies bearer tokens issued by an OpenID Connect provider for
// the admin API.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ErrNotAdmin is returned for valid tokens that lack the admin group.
var ErrNotAdmin = errors.New("caller is not in the admin group")

// Identity is the verified caller of an admin request.
type Identity struct {
	Subject string
	Email   string
	Groups  []string
}

// Config holds configuration for the verifier.
type Config struct {
	IssuerURL string
	Audience  string
	// AdminGroup restricts access to members of this group. Empty admits every verified caller.
	AdminGroup string
	HTTPClient *http.Client // Optional
}

// Verifier checks signature, issuer, audience and expiry of bearer tokens.
type Verifier struct {
	verifier   *gooidc.IDTokenVerifier
	adminGroup string
}

// NewVerifier discovers the issuer's keys and returns a Verifier.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	if cfg.IssuerURL == "" {
		return nil, errors.New("issuer URL is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	issuer := strings.TrimSuffix(strings.TrimSuffix(cfg.IssuerURL, "/"), "/.well-known/openid-configuration")
	op, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc new provider: %w", err)
	}
	return &Verifier{
		verifier:   op.Verifier(&gooidc.Config{ClientID: cfg.Audience}),
		adminGroup: cfg.AdminGroup,
	}, nil
}

// NewStaticVerifier builds a Verifier over a fixed key set, skipping discovery.
func NewStaticVerifier(issuer, audience, adminGroup string, keys gooidc.KeySet) *Verifier {
	return &Verifier{
		verifier:   gooidc.NewVerifier(issuer, keys, &gooidc.Config{ClientID: audience}),
		adminGroup: adminGroup,
	}
}

// Verify validates a raw bearer token and returns the caller.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (Identity, error) {
	tok, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, fmt.Errorf("verify token: %w", err)
	}
	var c claims
	if err := tok.Claims(&c); err != nil {
		return Identity{}, fmt.Errorf("parse token claims: %w", err)
	}
	id := c.identity()
	if v.adminGroup != "" && !slices.Contains(id.Groups, v.adminGroup) {
		return id, ErrNotAdmin
	}
	return id, nil
}

// claims covers both standard OIDC and AD/ADFS claim shapes.
type claims struct {
	Sub            string   `json:"sub"`
	SamAccountName string   `json:"samaccountname"`
	Email          string   `json:"email"`
	Mail           string   `json:"mail"`
	Groups         []string `json:"groups"`
	MemberOf       []string `json:"memberof"`
}

func (c claims) identity() Identity {
	groups := c.Groups
	if len(groups) == 0 {
		groups = c.MemberOf
	}
	return Identity{
		Subject: firstNonEmpty(c.SamAccountName, c.Sub),
		Email:   firstNonEmpty(c.Email, c.Mail),
		Groups:  groups,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
