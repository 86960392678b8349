package store

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/catalog-import/internal/catalog"
)

const selectSubscriptionsSQL = `SELECT id, url, event_type, enabled
FROM webhooks WHERE event_type = $1 AND enabled`

// Subscriptions reads webhook targets. The webhooks table is managed
// elsewhere; the importer only reads it.
type Subscriptions struct {
	db DB
}

func NewSubscriptions(db DB) *Subscriptions {
	return &Subscriptions{db: db}
}

// Enabled returns the enabled subscriptions for kind.
func (s *Subscriptions) Enabled(ctx context.Context, kind catalog.EventKind) ([]catalog.Subscription, error) {
	rows, err := s.db.Query(ctx, selectSubscriptionsSQL, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s subscriptions: %w", kind, err)
	}
	defer rows.Close()

	var subs []catalog.Subscription
	for rows.Next() {
		var (
			sub   catalog.Subscription
			event string
		)
		if err := rows.Scan(&sub.ID, &sub.URL, &event, &sub.Enabled); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.EventKind = catalog.EventKind(event)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}
