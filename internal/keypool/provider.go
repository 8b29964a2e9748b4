package keypool

import (
	"fmt"
	"time"
)

type Provider string

const (
	ProviderA Provider = "provider_a"
	ProviderB Provider = "provider_b"
	ProviderC Provider = "provider_c"
)

// Priority is the fixed order used when falling back across providers.
var Priority = []Provider{ProviderA, ProviderB, ProviderC}

func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case ProviderA, ProviderB, ProviderC:
		return p, nil
	default:
		return "", fmt.Errorf("unknown provider: %q", s)
	}
}

// Entry is one credential in the pool.
type Entry struct {
	ID           string
	Provider     Provider
	Credential   string
	BaseURL      string
	DefaultModel string

	disabledUntil time.Time
}

// EntryStats is a read-only snapshot of an entry for diagnostics.
type EntryStats struct {
	ID             string    `json:"id"`
	Provider       Provider  `json:"provider"`
	UsedThisMinute int       `json:"used_this_minute"`
	DisabledUntil  time.Time `json:"disabled_until,omitzero"`
}
