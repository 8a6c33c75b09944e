package models

import "time"

// APIToken is a programmatic access token. Principal names the caller (CLI
// user, worker supervisor, integration) and Role feeds the authorization
// gate.
type APIToken struct {
	ID         string     `json:"id"`
	Principal  string     `json:"principal"`
	Role       string     `json:"role"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

