// Package identity implements the Identity Resolver (C5): mapping a
// channel-native (provider, external_id) pair onto a stable internal user,
// creating one on first contact.
package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

// Resolver resolves channel-native identities to internal users.
type Resolver struct {
	users store.UserStore
}

func NewResolver(users store.UserStore) *Resolver {
	return &Resolver{users: users}
}

// Resolve looks up (provider, externalID); if no link exists it creates a
// new User and inserts the link. Concurrent first contacts from the same
// (provider, externalID) converge on exactly one user id, because
// LinkExternalID is race-safe over the store's unique constraint.
func (r *Resolver) Resolve(ctx context.Context, provider, externalID, displayHint string) (string, error) {
	if userID, ok, err := r.users.LookupExternalID(ctx, provider, externalID); err != nil {
		return "", fmt.Errorf("identity: lookup %s/%s: %w", provider, externalID, err)
	} else if ok {
		return userID, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("identity: new user id: %w", err)
	}
	candidate := store.User{ID: id.String(), DisplayName: displayHint}
	if err := r.users.CreateUser(ctx, candidate); err != nil {
		return "", fmt.Errorf("identity: create user: %w", err)
	}

	linkID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("identity: new link id: %w", err)
	}
	link := store.UserExternalID{
		ID:         linkID.String(),
		Provider:   provider,
		ExternalID: externalID,
		UserID:     candidate.ID,
	}
	existingUserID, created, err := r.users.LinkExternalID(ctx, link)
	if err != nil {
		return "", fmt.Errorf("identity: link %s/%s: %w", provider, externalID, err)
	}
	if !created {
		// Lost the race: another goroutine inserted the link first. The
		// user row we created above is an orphan but harmless; the
		// winning link's user_id is authoritative.
		return existingUserID, nil
	}
	return candidate.ID, nil
}
