package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/store"
	"github.com/wesm/threadtags/internal/testutil"
)

// recordingLocker wraps a Locker and records acquire/release order.
type recordingLocker struct {
	Locker
	mu     sync.Mutex
	events []string
}

func (r *recordingLocker) Acquire(ctx context.Context, key string) error {
	err := r.Locker.Acquire(ctx, key)
	r.mu.Lock()
	r.events = append(r.events, "acquire "+key)
	r.mu.Unlock()
	return err
}

func (r *recordingLocker) Release(key string) {
	r.mu.Lock()
	r.events = append(r.events, "release "+key)
	r.mu.Unlock()
	r.Locker.Release(key)
}

func (f *fixture) cache(id identity.MessageIdentity, a action.Action) {
	f.t.Helper()
	err := f.st.SetActions(f.ctx, map[identity.MessageIdentity]action.Action{id: a},
		store.Meta{Source: store.SourceClassifier, At: time.Now()})
	testutil.MustNoErr(f.t, err, "SetActions")
}

func TestAggregator_ReadinessGating(t *testing.T) {
	f := newFixture(t)
	ids := f.thread("a@x", "b@x", "c@x")
	f.cache(ids[0], action.Reply)
	f.cache(ids[2], action.Archive)

	for i := 0; i < 3; i++ {
		res, err := f.eng.aggregator.ComputeAndStore(f.ctx, ids[0])
		testutil.MustNoErr(t, err, "ComputeAndStore")
		if !res.OK || res.AllReady || res.Effective != action.Absent {
			t.Fatalf("run %d: result = %+v, want ok, not ready, no effective action", i, res)
		}
		if res.ReadyCount != 2 || len(res.Members) != 3 {
			t.Errorf("run %d: ready=%d members=%d", i, res.ReadyCount, len(res.Members))
		}
	}

	agg, err := f.st.GetAggregate(f.ctx, identity.ThreadKey(testAccount, inbox, "a@x"))
	testutil.MustNoErr(t, err, "GetAggregate")
	if agg == nil || agg.AllReady || agg.Effective != action.Absent {
		t.Errorf("stored aggregate = %+v", agg)
	}
}

func TestAggregator_EffectiveByPriority(t *testing.T) {
	f := newFixture(t)
	ids := f.thread("a@x", "b@x", "c@x")
	f.cache(ids[0], action.Archive)
	f.cache(ids[1], action.Reply)
	f.cache(ids[2], action.None)

	res, err := f.eng.aggregator.ComputeAndStore(f.ctx, ids[1])
	testutil.MustNoErr(t, err, "ComputeAndStore")
	if !res.AllReady || res.Effective != action.Reply {
		t.Errorf("result = %+v, want reply", res)
	}
	want := map[string]action.Action{"a@x": action.Archive, "b@x": action.Reply, "c@x": action.None}
	if diff := cmp.Diff(want, res.Actions); diff != "" {
		t.Errorf("actions mismatch (-want +got):\n%s", diff)
	}
	if res.ThreadKey != identity.ThreadKey(testAccount, inbox, "a@x") {
		t.Errorf("ThreadKey = %q", res.ThreadKey)
	}
}

func TestAggregator_Idempotent(t *testing.T) {
	f := newFixture(t)
	ids := f.thread("a@x", "b@x")
	f.cache(ids[0], action.Delete)
	f.cache(ids[1], action.Delete)

	first, err := f.eng.aggregator.ComputeAndStore(f.ctx, ids[0])
	testutil.MustNoErr(t, err, "first ComputeAndStore")
	second, err := f.eng.aggregator.ComputeAndStore(f.ctx, ids[1])
	testutil.MustNoErr(t, err, "second ComputeAndStore")

	if got := f.st.puts.Load(); got != 1 {
		t.Errorf("PutAggregate called %d times, want 1", got)
	}
	if !first.Written || second.Written {
		t.Errorf("Written = %v, %v; want true, false", first.Written, second.Written)
	}
	if second.Reason != ReasonUnchanged {
		t.Errorf("second Reason = %q, want %q", second.Reason, ReasonUnchanged)
	}
	if second.Effective != first.Effective || !second.AllReady {
		t.Errorf("second result = %+v", second)
	}
}

func TestAggregator_NoRegression(t *testing.T) {
	f := newFixture(t)
	ids := f.thread("a@x", "b@x", "c@x")
	for _, id := range ids {
		f.cache(id, action.Archive)
	}
	full, err := f.eng.aggregator.ComputeAndStore(f.ctx, ids[0])
	testutil.MustNoErr(t, err, "ComputeAndStore")
	if !full.AllReady {
		t.Fatalf("expected complete aggregate, got %+v", full)
	}

	// A computation that only sees two of three members must not win.
	testutil.MustNoErr(t, f.st.RemoveActions(f.ctx, ids[2:]), "RemoveActions")
	stale, err := f.eng.aggregator.ComputeAndStore(f.ctx, ids[0])
	testutil.MustNoErr(t, err, "stale ComputeAndStore")
	if stale.Reason != ReasonLessComplete || stale.Written {
		t.Errorf("stale result = %+v", stale)
	}
	if !stale.AllReady || stale.ReadyCount != 3 || stale.Effective != action.Archive {
		t.Errorf("expected stored aggregate back, got %+v", stale)
	}

	agg, err := f.st.GetAggregate(f.ctx, full.ThreadKey)
	testutil.MustNoErr(t, err, "GetAggregate")
	if agg.ReadyCount != 3 {
		t.Errorf("stored ReadyCount = %d, want 3", agg.ReadyCount)
	}
}

func TestAggregator_SameReadinessNewActionIsWritten(t *testing.T) {
	f := newFixture(t)
	ids := f.thread("a@x", "b@x")
	f.cache(ids[0], action.Archive)
	f.cache(ids[1], action.Archive)
	_, err := f.eng.aggregator.ComputeAndStore(f.ctx, ids[0])
	testutil.MustNoErr(t, err, "ComputeAndStore")

	f.cache(ids[1], action.Reply)
	res, err := f.eng.aggregator.ComputeAndStore(f.ctx, ids[0])
	testutil.MustNoErr(t, err, "ComputeAndStore")
	if !res.Written || res.Effective != action.Reply {
		t.Errorf("result = %+v, want written reply", res)
	}
}

func TestAggregator_NewMemberIsWritten(t *testing.T) {
	f := newFixture(t)
	ids := f.thread("a@x", "b@x")
	f.cache(ids[0], action.Archive)
	f.cache(ids[1], action.Archive)
	_, err := f.eng.aggregator.ComputeAndStore(f.ctx, ids[0])
	testutil.MustNoErr(t, err, "ComputeAndStore")

	late := f.add(f.header("c@x", "a@x"))
	res, err := f.eng.aggregator.ComputeAndStore(f.ctx, late)
	testutil.MustNoErr(t, err, "ComputeAndStore")
	if !res.Written || res.AllReady || len(res.Members) != 3 {
		t.Errorf("result = %+v, want written, not ready, three members", res)
	}
}

func TestAggregator_OnlyPrimaryMailboxMembers(t *testing.T) {
	f := newFixture(t)
	ids := f.thread("a@x", "b@x")
	err := f.st.UpsertMessages(f.ctx, testAccount, "Archive", []store.IndexedMessage{{
		UID: 1, MessageID: "c@x", References: []string{"a@x"}, SentAt: time.Now(),
	}})
	testutil.MustNoErr(t, err, "UpsertMessages")
	f.cache(ids[0], action.None)
	f.cache(ids[1], action.None)

	res, err := f.eng.aggregator.ComputeAndStore(f.ctx, ids[0])
	testutil.MustNoErr(t, err, "ComputeAndStore")
	if len(res.Members) != 2 || !res.AllReady {
		t.Errorf("result = %+v, want two ready primary members", res)
	}
}

func TestAggregator_NoPrimaryMembersDeletesAggregate(t *testing.T) {
	f := newFixture(t)
	key := identity.ThreadKey(testAccount, inbox, "gone@x")
	testutil.MustNoErr(t, f.st.PutAggregate(f.ctx, &store.Aggregate{
		ThreadKey: key, AccountID: testAccount, Mailbox: inbox, ConversationID: "gone@x",
		Members: []string{"gone@x"}, Actions: map[string]action.Action{}, UpdatedAt: time.Now(),
	}), "PutAggregate")
	err := f.st.UpsertMessages(f.ctx, testAccount, "Archive", []store.IndexedMessage{{
		UID: 9, MessageID: "gone@x", SentAt: time.Now(),
	}})
	testutil.MustNoErr(t, err, "UpsertMessages")

	res, err := f.eng.aggregator.ComputeAndStore(f.ctx, identity.New(testAccount, inbox, "gone@x"))
	testutil.MustNoErr(t, err, "ComputeAndStore")
	if !res.OK || res.Reason != ReasonNoMembers || len(res.Members) != 0 {
		t.Errorf("result = %+v", res)
	}
	agg, err := f.st.GetAggregate(f.ctx, key)
	testutil.MustNoErr(t, err, "GetAggregate")
	if agg != nil {
		t.Errorf("aggregate not deleted: %+v", agg)
	}
}

func TestAggregator_UnresolvedSeed(t *testing.T) {
	f := newFixture(t)
	res, err := f.eng.aggregator.ComputeAndStore(f.ctx, identity.New(testAccount, inbox, "nobody@x"))
	testutil.MustNoErr(t, err, "ComputeAndStore")
	if res.OK || res.Reason != ReasonNoConversation {
		t.Errorf("result = %+v", res)
	}
}

func TestAggregator_HoldsThreadLock(t *testing.T) {
	f := newFixture(t)
	ids := f.thread("a@x")
	locks := &recordingLocker{Locker: f.eng.aggregator.locks}
	f.eng.aggregator.locks = locks

	_, err := f.eng.aggregator.ComputeAndStore(f.ctx, ids[0])
	testutil.MustNoErr(t, err, "ComputeAndStore")

	key := identity.ThreadKey(testAccount, inbox, "a@x")
	testutil.AssertStrings(t, locks.events, "acquire "+key, "release "+key)
}

func TestAggregator_CancelledWhileWaiting(t *testing.T) {
	f := newFixture(t)
	ids := f.thread("a@x")
	key := identity.ThreadKey(testAccount, inbox, "a@x")
	testutil.MustNoErr(t, f.eng.aggregator.locks.Acquire(f.ctx, key), "Acquire")
	defer f.eng.aggregator.locks.Release(key)

	ctx, cancel := context.WithTimeout(f.ctx, 20*time.Millisecond)
	defer cancel()
	res, err := f.eng.aggregator.ComputeAndStore(ctx, ids[0])
	if err == nil {
		t.Fatal("expected error while lock is held")
	}
	if res.Reason != ReasonLockCancelled {
		t.Errorf("Reason = %q", res.Reason)
	}
}

func TestAggregator_ConcurrentClassificationsConverge(t *testing.T) {
	f := newFixture(t)
	const n = 8
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("m%d@x", i)
	}
	ids := f.thread(names...)

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id identity.MessageIdentity) {
			defer wg.Done()
			a := action.Archive
			if i == n-1 {
				a = action.Reply
			}
			if _, err := f.eng.RecordClassification(f.ctx, id, a); err != nil {
				t.Errorf("RecordClassification(%s): %v", id.MessageID, err)
			}
		}(i, id)
	}
	wg.Wait()

	agg, err := f.st.GetAggregate(f.ctx, identity.ThreadKey(testAccount, inbox, names[0]))
	testutil.MustNoErr(t, err, "GetAggregate")
	if agg == nil || !agg.AllReady || agg.ReadyCount != n || agg.Effective != action.Reply {
		t.Fatalf("aggregate = %+v, want %d ready with reply", agg, n)
	}
	if len(agg.Actions) != n {
		t.Errorf("stored %d actions, want %d", len(agg.Actions), n)
	}
}
