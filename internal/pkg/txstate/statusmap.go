package txstate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ManuelReschke/PayGate/app/models"
)

// StatusMap translates between provider status strings and the internal
// vocabulary. Lookups are case-insensitive. A provider status without an
// entry maps to models.TransactionStatusUnknown and is never coerced.
type StatusMap struct {
	inbound  map[string]models.TransactionStatus
	outbound map[models.TransactionStatus]string
}

// DefaultAliases is the provider vocabulary of the upstream gateway.
var DefaultAliases = map[string]models.TransactionStatus{
	"pending":     models.TransactionStatusPending,
	"waiting":     models.TransactionStatusPending,
	"created":     models.TransactionStatusPending,
	"processing":  models.TransactionStatusProcessing,
	"in_progress": models.TransactionStatusProcessing,
	"success":     models.TransactionStatusCompleted,
	"completed":   models.TransactionStatusCompleted,
	"approved":    models.TransactionStatusCompleted,
	"failed":      models.TransactionStatusFailed,
	"rejected":    models.TransactionStatusFailed,
	"declined":    models.TransactionStatusFailed,
	"error":       models.TransactionStatusFailed,
	"cancelled":   models.TransactionStatusCancelled,
	"canceled":    models.TransactionStatusCancelled,
	"expired":     models.TransactionStatusCancelled,
}

// DefaultCanonical is the provider string sent for each internal status.
var DefaultCanonical = map[models.TransactionStatus]string{
	models.TransactionStatusPending:    "pending",
	models.TransactionStatusProcessing: "processing",
	models.TransactionStatusCompleted:  "success",
	models.TransactionStatusFailed:     "failed",
	models.TransactionStatusCancelled:  "cancelled",
}

// NewStatusMap validates the tables: every alias must target a known status,
// every internal status needs a canonical provider string, and each
// canonical string must round-trip through the aliases.
func NewStatusMap(aliases map[string]models.TransactionStatus, canonical map[models.TransactionStatus]string) (*StatusMap, error) {
	m := &StatusMap{
		inbound:  make(map[string]models.TransactionStatus, len(aliases)),
		outbound: make(map[models.TransactionStatus]string, len(canonical)),
	}

	for alias, status := range aliases {
		key := normalize(alias)
		if key == "" {
			return nil, fmt.Errorf("status map: empty provider status")
		}
		if rank(status) < 0 {
			return nil, fmt.Errorf("status map: provider status %q maps to unknown internal status %q", alias, status)
		}
		if prev, dup := m.inbound[key]; dup && prev != status {
			return nil, fmt.Errorf("status map: provider status %q maps to both %q and %q", alias, prev, status)
		}
		m.inbound[key] = status
	}

	for _, status := range allStatuses() {
		provider, ok := canonical[status]
		if !ok {
			return nil, fmt.Errorf("status map: no provider status for %q", status)
		}
		if got := m.inbound[normalize(provider)]; got != status {
			return nil, fmt.Errorf("status map: canonical %q for %q does not map back", provider, status)
		}
		m.outbound[status] = provider
	}

	return m, nil
}

// MustDefaultStatusMap panics if the built-in tables are inconsistent.
func MustDefaultStatusMap() *StatusMap {
	m, err := NewStatusMap(DefaultAliases, DefaultCanonical)
	if err != nil {
		panic(err)
	}
	return m
}

// ToInternal maps a provider status. ok is false for unmapped values.
func (m *StatusMap) ToInternal(provider string) (models.TransactionStatus, bool) {
	status, ok := m.inbound[normalize(provider)]
	if !ok {
		return models.TransactionStatusUnknown, false
	}
	return status, true
}

// ToProvider returns the canonical provider string for status.
func (m *StatusMap) ToProvider(status models.TransactionStatus) (string, bool) {
	provider, ok := m.outbound[status]
	return provider, ok
}

// ProviderStatuses lists every accepted provider string, sorted.
func (m *StatusMap) ProviderStatuses() []string {
	out := make([]string, 0, len(m.inbound))
	for k := range m.inbound {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func allStatuses() []models.TransactionStatus {
	return []models.TransactionStatus{
		models.TransactionStatusPending,
		models.TransactionStatusProcessing,
		models.TransactionStatusCompleted,
		models.TransactionStatusFailed,
		models.TransactionStatusCancelled,
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
