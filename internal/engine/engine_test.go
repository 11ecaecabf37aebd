package engine

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/mailbox"
	"github.com/wesm/threadtags/internal/store"
	"github.com/wesm/threadtags/internal/suppress"
	"github.com/wesm/threadtags/internal/testutil"
)

const (
	testAccount = "acct"
	inbox       = "INBOX"
	selfAddress = "me@example.com"
)

var testPriority = action.PriorityTable{
	action.Reply:   3,
	action.Archive: 2,
	action.None:    1,
	action.Delete:  0,
}

// countingStore counts aggregate writes.
type countingStore struct {
	*store.Store
	puts atomic.Int32
}

func (c *countingStore) PutAggregate(ctx context.Context, a *store.Aggregate) error {
	c.puts.Add(1)
	return c.Store.PutAggregate(ctx, a)
}

type fixture struct {
	t    *testing.T
	ctx  context.Context
	st   *countingStore
	mem  *mailbox.Memory
	eng  *Engine
	tags *action.TagMap
	sup  *suppress.Window
	refs map[string]mailbox.CopyRef
	date time.Time
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, Options{})
}

func newFixtureWith(t *testing.T, opts Options, supOpts ...suppress.Option) *fixture {
	t.Helper()
	st := &countingStore{Store: testutil.NewTestStore(t)}
	tags, err := action.NewTagMap(action.DefaultTags())
	testutil.MustNoErr(t, err, "NewTagMap")
	sup := suppress.New(supOpts...)
	t.Cleanup(sup.Close)

	eng, err := New(Deps{
		Store:    st,
		Priority: testPriority,
		Tags:     tags,
		Suppress: sup,
		Logger:   discardLogger(),
	}, opts)
	testutil.MustNoErr(t, err, "New")
	eng.applier.sleep = func(context.Context, time.Duration) error { return nil }

	mem := mailbox.NewMemory(testAccount, mailbox.Folder{Path: inbox, Role: mailbox.RoleInbox})
	testutil.MustNoErr(t, eng.AddAccount(Account{
		ID:             testAccount,
		PrimaryMailbox: inbox,
		Addresses:      []string{selfAddress},
		Messages:       mem,
	}), "AddAccount")

	return &fixture{
		t:    t,
		ctx:  context.Background(),
		st:   st,
		mem:  mem,
		eng:  eng,
		tags: tags,
		sup:  sup,
		refs: make(map[string]mailbox.CopyRef),
		date: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

// header builds a header for id. When root is non-empty the message replies
// to it.
func (f *fixture) header(id, root string, tags ...string) mailbox.Header {
	f.date = f.date.Add(time.Minute)
	h := mailbox.Header{
		MessageID: "<" + id + ">",
		From:      []string{"someone@example.com"},
		Subject:   "hello",
		Date:      f.date,
		Tags:      tags,
	}
	if root != "" {
		h.References = []string{"<" + root + ">"}
		h.InReplyTo = []string{"<" + root + ">"}
	}
	return h
}

// add stores h in the mailbox and indexes it.
func (f *fixture) add(h mailbox.Header) identity.MessageIdentity {
	f.t.Helper()
	ref := f.mem.Add(inbox, h)
	h.UID = ref.UID
	msg := store.MessageFromHeader(h, []string{selfAddress})
	testutil.MustNoErr(f.t, f.st.UpsertMessages(f.ctx, testAccount, inbox, []store.IndexedMessage{msg}), "UpsertMessages")
	f.refs[msg.MessageID] = ref
	return identity.New(testAccount, inbox, msg.MessageID)
}

// thread adds a conversation rooted at ids[0].
func (f *fixture) thread(ids ...string) []identity.MessageIdentity {
	f.t.Helper()
	out := make([]identity.MessageIdentity, len(ids))
	for i, id := range ids {
		root := ""
		if i > 0 {
			root = ids[0]
		}
		out[i] = f.add(f.header(id, root))
	}
	return out
}

func (f *fixture) setGrouping(on bool) {
	f.t.Helper()
	testutil.MustNoErr(f.t, f.st.SetGroupingEnabled(f.ctx, on), "SetGroupingEnabled")
}

func (f *fixture) classify(id identity.MessageIdentity, a action.Action) Result {
	f.t.Helper()
	res, err := f.eng.RecordClassification(f.ctx, id, a)
	testutil.MustNoErr(f.t, err, "RecordClassification")
	return res
}

func (f *fixture) actionOn(id identity.MessageIdentity) action.Action {
	return f.tags.ActionOf(f.mem.Tags(f.refs[id.MessageID]))
}

func (f *fixture) assertTags(ids []identity.MessageIdentity, want ...action.Action) {
	f.t.Helper()
	got := make([]action.Action, len(ids))
	for i, id := range ids {
		got[i] = f.actionOn(id)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		f.t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	tags, err := action.NewTagMap(action.DefaultTags())
	testutil.MustNoErr(t, err, "NewTagMap")
	st := testutil.NewTestStore(t)

	tests := []struct {
		name string
		deps Deps
	}{
		{"no store", Deps{Priority: testPriority, Tags: tags}},
		{"no priority", Deps{Store: st, Tags: tags}},
		{"no tags", Deps{Store: st, Priority: testPriority}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps, Options{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAddAccount_Validation(t *testing.T) {
	f := newFixture(t)
	if err := f.eng.AddAccount(Account{ID: "x", PrimaryMailbox: inbox}); err == nil {
		t.Error("expected error for account without message store")
	}
	if err := f.eng.AddAccount(Account{PrimaryMailbox: inbox, Messages: f.mem}); err == nil {
		t.Error("expected error for account without id")
	}
	testutil.AssertStrings(t, f.eng.Accounts(), testAccount)
}

func TestEngine_Identity(t *testing.T) {
	f := newFixture(t)
	id, err := f.eng.Identity(testAccount, "<abc@x>")
	testutil.MustNoErr(t, err, "Identity")
	if id != identity.New(testAccount, inbox, "abc@x") {
		t.Errorf("Identity = %+v", id)
	}
	if _, err := f.eng.Identity("nope", "abc@x"); err == nil {
		t.Error("expected error for unknown account")
	}
	if _, err := f.eng.Identity(testAccount, "  "); err == nil {
		t.Error("expected error for empty message id")
	}
}

func TestScenario_ConvergesWhenLastMemberClassified(t *testing.T) {
	f := newFixture(t)
	f.setGrouping(true)
	ids := f.thread("m1@x", "m2@x", "m3@x")

	f.classify(ids[0], action.Reply)
	res := f.classify(ids[1], action.None)
	if res.AllReady {
		t.Fatal("thread should not be ready with one member unclassified")
	}
	if res.ReadyCount != 2 {
		t.Errorf("ReadyCount = %d, want 2", res.ReadyCount)
	}
	f.assertTags(ids, action.Absent, action.Absent, action.Absent)

	res = f.classify(ids[2], action.Archive)
	if !res.AllReady || res.Effective != action.Reply {
		t.Fatalf("result = %+v, want all ready with reply", res)
	}
	if !res.Applied {
		t.Error("Applied = false, want true")
	}
	f.assertTags(ids, action.Reply, action.Reply, action.Reply)
}

func TestGroupingDisabled_TagsOnlyTheMessage(t *testing.T) {
	f := newFixture(t)
	ids := f.thread("m1@x", "m2@x")

	f.classify(ids[0], action.Archive)
	f.classify(ids[1], action.Reply)
	f.assertTags(ids, action.Archive, action.Reply)

	agg, err := f.eng.Thread(f.ctx, identity.ThreadKey(testAccount, inbox, "m1@x"))
	testutil.MustNoErr(t, err, "Thread")
	if agg == nil || !agg.AllReady || agg.Effective != action.Reply {
		t.Errorf("aggregate = %+v, want ready with reply", agg)
	}
}

func TestManualOverride_ChangesEffective(t *testing.T) {
	f := newFixture(t)
	f.setGrouping(true)
	ids := f.thread("m1@x", "m2@x")
	f.classify(ids[0], action.Archive)
	f.classify(ids[1], action.Archive)
	f.assertTags(ids, action.Archive, action.Archive)

	res, err := f.eng.ApplyManualOverride(f.ctx, ids[1], action.Reply)
	testutil.MustNoErr(t, err, "ApplyManualOverride")
	if res.Effective != action.Reply {
		t.Errorf("Effective = %q, want reply", res.Effective)
	}
	f.assertTags(ids, action.Reply, action.Reply)

	cached, err := f.st.GetActions(f.ctx, ids[1:])
	testutil.MustNoErr(t, err, "GetActions")
	if got := cached[ids[1]]; got.Source != store.SourceManual {
		t.Errorf("Source = %q, want manual", got.Source)
	}
}

func TestSetAction_Errors(t *testing.T) {
	f := newFixture(t)
	ids := f.thread("m1@x")

	if _, err := f.eng.RecordClassification(f.ctx, ids[0], action.Absent); err == nil {
		t.Error("expected error for absent action")
	}
	unknown := identity.New("other", inbox, "m1@x")
	res, err := f.eng.ApplyManualOverride(f.ctx, unknown, action.Reply)
	if err == nil {
		t.Error("expected error for unknown account")
	}
	if res.Reason != ReasonUnknownAccount {
		t.Errorf("Reason = %q", res.Reason)
	}
}

func TestResetAction(t *testing.T) {
	f := newFixture(t)
	ids := f.thread("m1@x", "m2@x")
	f.classify(ids[0], action.Reply)
	f.classify(ids[1], action.Delete)

	res, err := f.eng.ResetAction(f.ctx, ids[1])
	testutil.MustNoErr(t, err, "ResetAction")
	if res.AllReady || res.ReadyCount != 1 {
		t.Errorf("result = %+v, want one ready member", res)
	}
	f.assertTags(ids, action.Reply, action.Absent)
}

func TestRecomputeThread_UnknownAccountAndMessage(t *testing.T) {
	f := newFixture(t)
	res := f.eng.RecomputeThread(f.ctx, identity.New("other", inbox, "a@x"), "test")
	if res.OK || res.Reason != ReasonUnknownAccount {
		t.Errorf("unknown account result = %+v", res)
	}
	res = f.eng.RecomputeThread(f.ctx, identity.New(testAccount, inbox, "missing@x"), "test")
	if res.OK || res.Reason != ReasonNoConversation {
		t.Errorf("unknown message result = %+v", res)
	}
}

func TestGroupingModeEnabled(t *testing.T) {
	f := newFixture(t)
	on, err := f.eng.GroupingModeEnabled(f.ctx)
	testutil.MustNoErr(t, err, "GroupingModeEnabled")
	if on {
		t.Error("grouping should default to off")
	}
	f.setGrouping(true)
	on, err = f.eng.GroupingModeEnabled(f.ctx)
	testutil.MustNoErr(t, err, "GroupingModeEnabled")
	if !on {
		t.Error("grouping should be on")
	}
}
