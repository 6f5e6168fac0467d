package identity

import (
	"context"
	"testing"

	"github.com/namastexlabs/automagik-omni/internal/store"
)

type fakeUserStore struct {
	users map[string]store.User
	links map[string]string // provider|externalID -> userID
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]store.User{}, links: map[string]string{}}
}

func (f *fakeUserStore) CreateUser(ctx context.Context, u store.User) error {
	f.users[u.ID] = u
	return nil
}

func (f *fakeUserStore) GetUser(ctx context.Context, id string) (store.User, error) {
	return f.users[id], nil
}

func (f *fakeUserStore) LookupExternalID(ctx context.Context, provider, externalID string) (string, bool, error) {
	id, ok := f.links[provider+"|"+externalID]
	return id, ok, nil
}

func (f *fakeUserStore) LinkExternalID(ctx context.Context, link store.UserExternalID) (string, bool, error) {
	key := link.Provider + "|" + link.ExternalID
	if existing, ok := f.links[key]; ok {
		return existing, false, nil
	}
	f.links[key] = link.UserID
	return link.UserID, true, nil
}

func TestResolveFirstContactCreatesUser(t *testing.T) {
	us := newFakeUserStore()
	r := NewResolver(us)

	id, err := r.Resolve(context.Background(), "discord", "U123", "Alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty user id")
	}
	if len(us.users) != 1 {
		t.Fatalf("expected one user created, got %d", len(us.users))
	}
}

func TestResolveSecondContactReusesUser(t *testing.T) {
	us := newFakeUserStore()
	r := NewResolver(us)

	first, err := r.Resolve(context.Background(), "discord", "U123", "Alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := r.Resolve(context.Background(), "discord", "U123", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first != second {
		t.Fatalf("expected same user id across contacts, got %q and %q", first, second)
	}
	if len(us.users) != 1 {
		t.Fatalf("expected exactly one user, got %d", len(us.users))
	}
}

func TestResolveCrossChannelLink(t *testing.T) {
	us := newFakeUserStore()
	r := NewResolver(us)

	discordID, err := r.Resolve(context.Background(), "discord", "U123", "Alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// Pre-link a WhatsApp external id to the same user, as an admin would.
	us.links["whatsapp|+5511990000101"] = discordID

	waID, err := r.Resolve(context.Background(), "whatsapp", "+5511990000101", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if waID != discordID {
		t.Fatalf("expected cross-channel identity to converge, got %q vs %q", waID, discordID)
	}
}
