package domain

import (
	"slices"
	"strings"
	"time"
)

// ContactRecord is the durable per-user record used to reach a user again and
// to decide which notifications they receive.
type ContactRecord struct {
	ID             string
	Name           string
	Subscriptions  []string
	ReachBack      ConversationReference
	RegisteredDate time.Time
	LastUpdated    time.Time
}

// Subscribed reports whether the record carries the given tag.
func (c ContactRecord) Subscribed(tag string) bool {
	return slices.Contains(c.Subscriptions, tag)
}

// NormalizeTags trims, drops empties and de-duplicates tags, keeping them sorted
// so that identical sets always persist identically.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
