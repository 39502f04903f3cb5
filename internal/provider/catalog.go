package provider

import (
	"fmt"
	"log/slog"

	"github.com/haasonsaas/coworker/internal/credentials"
)

// Auth methods a provider can be connected with.
const (
	AuthMethodAPIKey = "api_key"
	AuthMethodOAuth  = "oauth"
)

// CatalogEntry describes one connectable provider.
type CatalogEntry struct {
	Name         string   `json:"name"`
	Family       string   `json:"family"`
	Models       []string `json:"models"`
	DefaultModel string   `json:"defaultModel"`
	AuthMethods  []string `json:"authMethods"`
}

// Status is a provider's connection state derived from the credential store.
type Status struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	AuthMode  string `json:"authMode,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	Email     string `json:"email,omitempty"`
	PlanType  string `json:"planType,omitempty"`
}

// Catalog is the static set of supported providers.
func Catalog() []CatalogEntry {
	return []CatalogEntry{
		{
			Name:         "anthropic",
			Family:       FamilyAnthropic,
			Models:       []string{"claude-sonnet-4-20250514", "claude-opus-4-20250514", "claude-3-5-haiku-20241022"},
			DefaultModel: "claude-sonnet-4-20250514",
			AuthMethods:  []string{AuthMethodAPIKey, AuthMethodOAuth},
		},
		{
			Name:         "openai",
			Family:       FamilyOpenAI,
			Models:       []string{"gpt-4o", "gpt-4o-mini", "o4-mini"},
			DefaultModel: "gpt-4o",
			AuthMethods:  []string{AuthMethodAPIKey, AuthMethodOAuth},
		},
	}
}

// AuthMethods returns the auth methods for a provider, or nil if unknown.
func AuthMethods(name string) []string {
	for _, entry := range Catalog() {
		if entry.Name == name {
			return entry.AuthMethods
		}
	}
	return nil
}

// Statuses derives connection status for every catalog provider from the
// credential store.
func Statuses(store *credentials.Store) []Status {
	statuses := make([]Status, 0, len(Catalog()))
	for _, entry := range Catalog() {
		st := Status{Name: entry.Name}
		if file, err := store.Load(entry.Name); err == nil {
			st.Connected = file.Tokens.AccessToken != ""
			st.AuthMode = file.AuthMode
			if file.Account != nil {
				st.AccountID = file.Account.AccountID
				st.Email = file.Account.Email
				st.PlanType = file.Account.PlanType
			}
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// New constructs the concrete provider for a catalog name using resolved
// credential material.
func New(name string, mat credentials.Material, logger *slog.Logger) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropic(mat, logger), nil
	case "openai":
		return NewOpenAI(mat, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
