package repository

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"scm-relay/internal/domain"
)

// ContactDirectory maps a user identity to how to reach them again and what
// they are subscribed to. An empty result always means "no such record";
// store failures surface as *StorageError.
type ContactDirectory interface {
	// Upsert replaces the full record for identity and returns what was
	// stored. The registration date survives replacement.
	Upsert(ctx context.Context, identity, displayName string, ref domain.ConversationReference, subscriptions []string) (domain.ContactRecord, error)
	Get(ctx context.Context, identity string) (domain.ContactRecord, bool, error)
	// FindByIdentities returns the records that exist among identities.
	FindByIdentities(ctx context.Context, identities []string) ([]domain.ContactRecord, error)
	// FilterBySubscription returns the identities that will not receive a
	// notification for tag: unknown ones and those lacking the tag.
	FilterBySubscription(ctx context.Context, identities []string, tag string) ([]string, error)
	ListIdentities(ctx context.Context) ([]string, error)
}

// StorageError reports that the backing store could not serve a request.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("repository: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// uniqueIdentities trims and de-duplicates identities, keeping first-seen order.
func uniqueIdentities(identities []string) []string {
	seen := make(map[string]struct{}, len(identities))
	out := make([]string, 0, len(identities))
	for _, id := range identities {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func notSubscribed(identities []string, found []domain.ContactRecord, tag string) []string {
	subscribed := make(map[string]bool, len(found))
	for _, rec := range found {
		subscribed[rec.ID] = rec.Subscribed(tag)
	}
	var out []string
	for _, id := range uniqueIdentities(identities) {
		if !subscribed[id] {
			out = append(out, id)
		}
	}
	return out
}

func newRecord(identity, displayName string, ref domain.ConversationReference, subscriptions []string, registered, now time.Time) domain.ContactRecord {
	return domain.ContactRecord{
		ID:             identity,
		Name:           displayName,
		Subscriptions:  domain.NormalizeTags(subscriptions),
		ReachBack:      ref,
		RegisteredDate: registered,
		LastUpdated:    now,
	}
}

func sortRecords(recs []domain.ContactRecord) {
	slices.SortFunc(recs, func(a, b domain.ContactRecord) int { return strings.Compare(a.ID, b.ID) })
}

func validIdentity(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("repository: identity must not be empty")
	}
	return identity, nil
}
