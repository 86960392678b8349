// Package catalog holds the domain types shared by the import pipeline:
// catalog entries, import candidates, upsert outcomes, and the webhook
// subscriptions that receive change events.
package catalog

import (
	"strings"
	"time"
)

// EventKind names a change event delivered to subscribers.
type EventKind string

const (
	EventProductCreated EventKind = "product.created"
	EventProductUpdated EventKind = "product.updated"
)

// Entry is a persisted catalog product.
type Entry struct {
	ID          int64
	SKU         string
	Name        string
	Description string // Empty when NULL in the store
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Candidate is an incoming row destined for the store. SKU keeps the
// casing it was submitted with; only inserts write it.
type Candidate struct {
	SKU         string
	Name        string
	Description string // Empty means NULL
	Active      bool
}

// Key returns the normalized business key for the candidate.
func (c Candidate) Key() string {
	return NormalizeKey(c.SKU)
}

// NormalizeKey folds a SKU to the canonical form used for uniqueness.
// It must agree with the store's lower(sku) index.
func NormalizeKey(sku string) string {
	return strings.ToLower(strings.TrimSpace(sku))
}

// Touched reports one entity written by an upsert.
type Touched struct {
	ID      int64
	Created bool
}

// Event returns the change event the write should fan out as.
func (t Touched) Event() EventKind {
	if t.Created {
		return EventProductCreated
	}
	return EventProductUpdated
}

// Subscription is a webhook target registered for one event kind.
type Subscription struct {
	ID        int64
	URL       string
	EventKind EventKind
	Enabled   bool
}
