package credentials

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the identity fields mined from an OAuth token. Providers differ
// in where they put them; decoding is best-effort and never fatal.
type Claims struct {
	AccountID string
	Email     string
	PlanType  string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email          string `json:"email,omitempty"`
	PlanType       string `json:"plan_type,omitempty"`
	ChatGPTPlan    string `json:"chatgpt_plan_type,omitempty"`
	ChatGPTAccount struct {
		AccountID string `json:"chatgpt_account_id,omitempty"`
	} `json:"https://api.openai.com/auth,omitempty"`
}

// DecodeClaims extracts identity claims from the id token when present,
// falling back to the access token. Signature verification is deliberately
// skipped: the tokens come from the provider over TLS and are only mined for
// display fields. Undecodable tokens yield empty claims.
func DecodeClaims(tokens Tokens) Claims {
	for _, raw := range []string{tokens.IDToken, tokens.AccessToken} {
		if raw == "" {
			continue
		}
		var tc tokenClaims
		parser := jwt.NewParser()
		if _, _, err := parser.ParseUnverified(raw, &tc); err != nil {
			continue
		}
		c := Claims{Email: tc.Email}
		if tc.ChatGPTAccount.AccountID != "" {
			c.AccountID = tc.ChatGPTAccount.AccountID
		} else if tc.Subject != "" {
			c.AccountID = tc.Subject
		}
		if tc.ChatGPTPlan != "" {
			c.PlanType = tc.ChatGPTPlan
		} else {
			c.PlanType = tc.PlanType
		}
		if c.AccountID != "" || c.Email != "" || c.PlanType != "" {
			return c
		}
	}
	return Claims{}
}
