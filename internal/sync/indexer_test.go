package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/mailbox"
	"github.com/wesm/threadtags/internal/store"
	"github.com/wesm/threadtags/internal/testutil"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestIndexer_BuildsConversations(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	mem := mailbox.NewMemory("acct")
	mem.Add("INBOX", mailbox.Header{MessageID: "<root@x>", Date: base, Subject: "plans"})
	mem.Add("INBOX", mailbox.Header{MessageID: "<r1@x>", InReplyTo: []string{"<root@x>"}, References: []string{"<root@x>"},
		From: []string{"Me@Example.com"}, Date: base.Add(time.Minute), Subject: "Re: plans"})
	mem.Add("INBOX", mailbox.Header{MessageID: "<other@x>", Date: base.Add(2 * time.Minute)})
	mem.Add("INBOX", mailbox.Header{Subject: "no id"})
	mem.Add("Archive", mailbox.Header{MessageID: "<elsewhere@x>"})

	ix := New(st, 0)
	sum, err := ix.Index(ctx, mem, Account{ID: "acct", PrimaryMailbox: "INBOX", Addresses: []string{"me@example.com"}})
	testutil.MustNoErr(t, err, "Index")

	if sum.Listed != 4 || sum.Indexed != 3 || sum.Skipped != 1 || sum.Removed != 0 {
		t.Errorf("summary = %+v", sum)
	}

	conv, err := st.ResolveConversation(ctx, identity.New("acct", "INBOX", "r1@x"), 100)
	testutil.MustNoErr(t, err, "ResolveConversation")
	if !conv.OK || len(conv.Members) != 2 {
		t.Fatalf("conversation = %+v, want root and reply", conv)
	}

	self, err := st.IsSelfSent(ctx, identity.New("acct", "INBOX", "r1@x"))
	testutil.MustNoErr(t, err, "IsSelfSent")
	if !self {
		t.Error("reply from an account address should be self-sent")
	}
	has, err := st.HasMessage(ctx, identity.New("acct", "INBOX", "elsewhere@x"))
	testutil.MustNoErr(t, err, "HasMessage")
	if has {
		t.Error("messages outside the primary mailbox should not be indexed")
	}
}

func TestIndexer_DropsRemovedMessages(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	mem := mailbox.NewMemory("acct")
	mem.Add("INBOX", mailbox.Header{MessageID: "keep@x", Date: base})
	gone := mem.Add("INBOX", mailbox.Header{MessageID: "gone@x", Date: base})
	acct := Account{ID: "acct", PrimaryMailbox: "INBOX"}
	ix := New(st, 0)

	_, err := ix.Index(ctx, mem, acct)
	testutil.MustNoErr(t, err, "first Index")

	keepID := identity.New("acct", "INBOX", "keep@x")
	goneID := identity.New("acct", "INBOX", "gone@x")
	err = st.SetActions(ctx, map[identity.MessageIdentity]action.Action{keepID: action.Reply, goneID: action.Archive},
		store.Meta{Source: store.SourceClassifier, At: base})
	testutil.MustNoErr(t, err, "SetActions")

	mem.Remove(gone)
	sum, err := ix.Index(ctx, mem, acct)
	testutil.MustNoErr(t, err, "second Index")
	if sum.Removed != 1 || sum.Indexed != 1 {
		t.Errorf("summary = %+v", sum)
	}

	cached, err := st.GetActions(ctx, []identity.MessageIdentity{keepID, goneID})
	testutil.MustNoErr(t, err, "GetActions")
	if _, ok := cached[goneID]; ok {
		t.Error("cached action of removed message should be dropped")
	}
	if cached[keepID].Action != action.Reply {
		t.Errorf("kept action = %v, want reply", cached[keepID].Action)
	}
}

func TestIndexer_RespectsLimit(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	mem := mailbox.NewMemory("acct")
	for _, id := range []string{"a@x", "b@x", "c@x"} {
		mem.Add("INBOX", mailbox.Header{MessageID: id, Date: base})
	}
	sum, err := New(st, 2).Index(ctx, mem, Account{ID: "acct", PrimaryMailbox: "INBOX"})
	testutil.MustNoErr(t, err, "Index")
	if sum.Indexed != 2 {
		t.Errorf("indexed %d, want 2", sum.Indexed)
	}
	has, err := st.HasMessage(ctx, identity.New("acct", "INBOX", "a@x"))
	testutil.MustNoErr(t, err, "HasMessage")
	if has {
		t.Error("oldest message should fall outside the limit")
	}
}

func TestIndexer_CappedListingKeepsOlderMessages(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	mem := mailbox.NewMemory("acct")
	for i, id := range []string{"old@x", "mid@x", "new@x"} {
		mem.Add("INBOX", mailbox.Header{MessageID: id, Date: base.Add(time.Duration(i) * time.Minute)})
	}
	acct := Account{ID: "acct", PrimaryMailbox: "INBOX"}
	_, err := New(st, 0).Index(ctx, mem, acct)
	testutil.MustNoErr(t, err, "full Index")

	oldID := identity.New("acct", "INBOX", "old@x")
	err = st.SetActions(ctx, map[identity.MessageIdentity]action.Action{oldID: action.Reply},
		store.Meta{Source: store.SourceClassifier, At: base})
	testutil.MustNoErr(t, err, "SetActions")

	sum, err := New(st, 2).Index(ctx, mem, acct)
	testutil.MustNoErr(t, err, "capped Index")
	if sum.Removed != 0 || sum.Indexed != 2 {
		t.Errorf("summary = %+v, want 2 indexed and none removed", sum)
	}
	has, err := st.HasMessage(ctx, oldID)
	testutil.MustNoErr(t, err, "HasMessage")
	if !has {
		t.Error("message below the listing cap was unindexed")
	}
	cached, err := st.GetActions(ctx, []identity.MessageIdentity{oldID})
	testutil.MustNoErr(t, err, "GetActions")
	if cached[oldID].Action != action.Reply {
		t.Errorf("cached action of old@x = %q, want reply", cached[oldID].Action)
	}
}

func TestIndexer_CappedListingDropsRemovedNewerMessage(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	mem := mailbox.NewMemory("acct")
	var refs []mailbox.CopyRef
	for _, id := range []string{"a@x", "b@x", "c@x", "d@x"} {
		refs = append(refs, mem.Add("INBOX", mailbox.Header{MessageID: id, Date: base}))
	}
	acct := Account{ID: "acct", PrimaryMailbox: "INBOX"}
	_, err := New(st, 0).Index(ctx, mem, acct)
	testutil.MustNoErr(t, err, "full Index")

	mem.Remove(refs[2])
	sum, err := New(st, 2).Index(ctx, mem, acct)
	testutil.MustNoErr(t, err, "capped Index")
	if sum.Removed != 1 {
		t.Errorf("removed %d, want 1", sum.Removed)
	}
	for _, tc := range []struct {
		id   string
		want bool
	}{{"a@x", true}, {"b@x", true}, {"c@x", false}, {"d@x", true}} {
		has, err := st.HasMessage(ctx, identity.New("acct", "INBOX", tc.id))
		testutil.MustNoErr(t, err, "HasMessage")
		if has != tc.want {
			t.Errorf("HasMessage(%s) = %v, want %v", tc.id, has, tc.want)
		}
	}
}

type recordingIndex struct {
	msgs []store.IndexedMessage
}

func (r *recordingIndex) ReplaceMailbox(_ context.Context, _, _ string, msgs []store.IndexedMessage, _ uint32) ([]string, error) {
	r.msgs = msgs
	return nil, nil
}

func (r *recordingIndex) RemoveActions(context.Context, []identity.MessageIdentity) error { return nil }

func TestIndexer_RepairsSubjectEncoding(t *testing.T) {
	mem := mailbox.NewMemory("acct")
	mem.Add("INBOX", mailbox.Header{MessageID: "a@x", Date: base, Subject: "M\xfcnchen"})
	idx := &recordingIndex{}

	_, err := New(idx, 0).Index(context.Background(), mem, Account{ID: "acct", PrimaryMailbox: "INBOX"})
	testutil.MustNoErr(t, err, "Index")
	if len(idx.msgs) != 1 || idx.msgs[0].Subject != "München" {
		t.Errorf("indexed = %+v, want subject München", idx.msgs)
	}
}

type failingLister struct{}

func (failingLister) ListHeaders(context.Context, string, int) ([]mailbox.Header, error) {
	return nil, errors.New("connection reset")
}

func TestIndexer_ListError(t *testing.T) {
	st := testutil.NewTestStore(t)
	_, err := New(st, 0).Index(context.Background(), failingLister{}, Account{ID: "acct", PrimaryMailbox: "INBOX"})
	if err == nil {
		t.Fatal("expected error")
	}
}
