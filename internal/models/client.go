package models

import (
	"strings"
)

// Presenter is a presentation layer allowed to drive the local orchestration API
type Presenter struct {
	Name        string   `json:"name"`
	ApiKey      string   `json:"-"` // Never serialize
	Permissions []string `json:"permissions"`
}

// HasPermission checks if the presenter has a specific permission.
// Supports wildcard permissions like "session:*"
func (p *Presenter) HasPermission(required string) bool {
	if p == nil {
		return false
	}

	for _, perm := range p.Permissions {
		if perm == required || perm == "*" {
			return true
		}

		// "session:*" matches "session:write"
		if strings.HasSuffix(perm, ":*") {
			prefix := strings.TrimSuffix(perm, "*")
			if strings.HasPrefix(required, prefix) {
				return true
			}
		}
	}

	return false
}

// MaskedApiKey returns first 8 characters of API key for logging
func (p *Presenter) MaskedApiKey() string {
	if len(p.ApiKey) < 8 {
		return "***"
	}
	return p.ApiKey[:8] + "..."
}
