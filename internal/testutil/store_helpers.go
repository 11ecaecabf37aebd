package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/store"
)

// NewTestStore creates a temporary database for testing.
// The database is automatically cleaned up when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})

	if err := st.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return st
}

// SeedThread indexes a conversation of messageIDs in account/mailbox, the
// first being the root and the rest replying to it, with UIDs following any
// already indexed messages of the mailbox.
// It returns the identities in order.
func SeedThread(t *testing.T, st *store.Store, account, mailbox string, messageIDs ...string) []identity.MessageIdentity {
	t.Helper()
	if len(messageIDs) == 0 {
		return nil
	}
	existing, err := st.ListSeeds(context.Background(), account, mailbox, 0)
	MustNoErr(t, err, "SeedThread: ListSeeds")
	firstUID := uint32(len(existing) + 1)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	root := messageIDs[0]
	msgs := make([]store.IndexedMessage, len(messageIDs))
	ids := make([]identity.MessageIdentity, len(messageIDs))
	for i, id := range messageIDs {
		m := store.IndexedMessage{
			UID:       firstUID + uint32(i),
			MessageID: id,
			Subject:   "thread " + root,
			SentAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if i > 0 {
			m.References = []string{root}
			m.InReplyTo = []string{messageIDs[i-1]}
		}
		msgs[i] = m
		ids[i] = identity.New(account, mailbox, id)
	}
	MustNoErr(t, st.UpsertMessages(context.Background(), account, mailbox, msgs), "SeedThread")
	return ids
}
