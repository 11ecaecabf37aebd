package mirror

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/gmail"
	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/mailbox"
	"github.com/wesm/threadtags/internal/testutil"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingRegistrar struct{ ids []string }

func (r *recordingRegistrar) Register(id string, _ time.Duration) { r.ids = append(r.ids, id) }

func newTags(t *testing.T) *action.TagMap {
	t.Helper()
	tags, err := action.NewTagMap(action.DefaultTags())
	testutil.MustNoErr(t, err, "NewTagMap")
	return tags
}

func newMailbox() *mailbox.Memory {
	return mailbox.NewMemory("acct",
		mailbox.Folder{Path: "INBOX", Role: mailbox.RoleInbox},
		mailbox.Folder{Path: "Archive", Role: mailbox.RoleArchive},
		mailbox.Folder{Path: "All Mail", Role: mailbox.RoleAll},
		mailbox.Folder{Path: "Sent", Role: mailbox.RoleSent},
		mailbox.Folder{Path: "Projects", Role: mailbox.RoleNone},
	)
}

func TestCrossFolder_TagsAllowedCopies(t *testing.T) {
	mem := newMailbox()
	hdr := mailbox.Header{MessageID: "<a@x>", Tags: []string{`\Seen`}}
	mem.Add("INBOX", hdr)
	archived := mem.Add("Archive", mailbox.Header{MessageID: "<a@x>", Tags: []string{"$TT_Delete"}})
	all := mem.Add("All Mail", hdr)
	sent := mem.Add("Sent", hdr)
	project := mem.Add("Projects", hdr)

	reg := &recordingRegistrar{}
	m := NewCrossFolder(mem, "INBOX", newTags(t), reg, CrossFolderOptions{}, discard())
	err := m.Sync(context.Background(), identity.New("acct", "INBOX", "a@x"), action.Archive)
	testutil.MustNoErr(t, err, "Sync")

	testutil.AssertStrings(t, mem.Tags(archived), "$TT_Archive")
	testutil.AssertStrings(t, mem.Tags(all), "$TT_Archive", `\Seen`)
	testutil.AssertStrings(t, mem.Tags(sent), `\Seen`)
	testutil.AssertStrings(t, mem.Tags(project), `\Seen`)
	sort.Strings(reg.ids)
	testutil.AssertStrings(t, reg.ids, all.String(), archived.String())
}

func TestCrossFolder_SkipsWhenPrimaryCopyGone(t *testing.T) {
	mem := newMailbox()
	archived := mem.Add("Archive", mailbox.Header{MessageID: "<a@x>"})

	m := NewCrossFolder(mem, "INBOX", newTags(t), nil, CrossFolderOptions{}, discard())
	err := m.Sync(context.Background(), identity.New("acct", "INBOX", "a@x"), action.Reply)
	testutil.MustNoErr(t, err, "Sync")
	if got := mem.Tags(archived); len(got) != 0 {
		t.Errorf("tags = %v, want untouched", got)
	}
	if mem.WriteCount() != 0 {
		t.Errorf("WriteCount = %d, want 0", mem.WriteCount())
	}
}

func TestCrossFolder_Caps(t *testing.T) {
	mem := newMailbox()
	mem.Add("INBOX", mailbox.Header{MessageID: "<a@x>"})
	for i := 0; i < 3; i++ {
		mem.Add("Archive", mailbox.Header{MessageID: "<a@x>"})
	}
	mem.Add("All Mail", mailbox.Header{MessageID: "<a@x>"})

	m := NewCrossFolder(mem, "INBOX", newTags(t), nil, CrossFolderOptions{MaxMatches: 2}, discard())
	testutil.MustNoErr(t, m.Sync(context.Background(), identity.New("acct", "INBOX", "a@x"), action.None), "Sync")
	if got := mem.WriteCount(); got != 2 {
		t.Errorf("WriteCount = %d, want 2", got)
	}

	m = NewCrossFolder(mem, "INBOX", newTags(t), nil, CrossFolderOptions{MaxFolders: 1, Roles: []mailbox.Role{mailbox.RoleAll, mailbox.RoleArchive}}, discard())
	folders, err := m.folders(context.Background())
	testutil.MustNoErr(t, err, "folders")
	if len(folders) != 1 || folders[0].Path != "Archive" {
		t.Errorf("folders = %+v", folders)
	}
}

func TestCrossFolder_ReportsWriteFailures(t *testing.T) {
	mem := newMailbox()
	mem.Add("INBOX", mailbox.Header{MessageID: "<a@x>"})
	mem.Add("Archive", mailbox.Header{MessageID: "<a@x>"})
	mem.WriteErr = func(mailbox.CopyRef) error { return errors.New("read-only folder") }

	m := NewCrossFolder(mem, "INBOX", newTags(t), nil, CrossFolderOptions{}, discard())
	if err := m.Sync(context.Background(), identity.New("acct", "INBOX", "a@x"), action.Reply); err == nil {
		t.Error("expected error")
	}
}

func TestLabels_CreatesHiddenLabelsOnce(t *testing.T) {
	api := gmail.NewMockAPI()
	api.AddMessage("a@x", "g1", "INBOX")
	api.AddMessage("b@x", "g2")
	l := NewLabels(api, "", discard())
	ctx := context.Background()

	testutil.MustNoErr(t, l.Sync(ctx, identity.New("acct", "INBOX", "a@x"), action.Reply), "Sync a")
	testutil.MustNoErr(t, l.Sync(ctx, identity.New("acct", "INBOX", "b@x"), action.Archive), "Sync b")

	testutil.AssertStrings(t, api.CreateCalls,
		"threadtags/reply", "threadtags/archive", "threadtags/delete", "threadtags/none")
	if api.LabelsCalls != 1 {
		t.Errorf("ListLabels called %d times, want 1", api.LabelsCalls)
	}
	labels, err := api.ListLabels(ctx)
	testutil.MustNoErr(t, err, "ListLabels")
	for _, lb := range labels {
		if lb.Type == "user" && !lb.Hidden() {
			t.Errorf("label %s is visible", lb.Name)
		}
	}

	replyID := l.ids[action.Reply]
	if diff := cmp.Diff([]string{"INBOX", replyID}, api.Message("g1").LabelIDs); diff != "" {
		t.Errorf("g1 labels mismatch (-want +got):\n%s", diff)
	}
	testutil.AssertStrings(t, api.Queries, "rfc822msgid:a@x", "rfc822msgid:b@x")
}

func TestLabels_ReplacesPreviousActionLabel(t *testing.T) {
	api := gmail.NewMockAPI()
	api.AddMessage("a@x", "g1", "INBOX")
	l := NewLabels(api, "tt/", discard())
	ctx := context.Background()
	id := identity.New("acct", "INBOX", "a@x")

	testutil.MustNoErr(t, l.Sync(ctx, id, action.Delete), "Sync delete")
	testutil.MustNoErr(t, l.Sync(ctx, id, action.Reply), "Sync reply")
	if diff := cmp.Diff([]string{"INBOX", l.ids[action.Reply]}, api.Message("g1").LabelIDs); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}

	testutil.MustNoErr(t, l.Sync(ctx, id, action.Absent), "Sync absent")
	testutil.AssertStrings(t, api.Message("g1").LabelIDs, "INBOX")
}

func TestLabels_HidesExistingVisibleLabel(t *testing.T) {
	api := gmail.NewMockAPI()
	api.Labels = append(api.Labels, &gmail.Label{
		ID: "Label_9", Name: "ThreadTags/Reply", Type: "user",
		LabelListVisibility: gmail.LabelShow, MessageListVisibility: gmail.MessageShow,
	})
	l := NewLabels(api, "", discard())

	testutil.MustNoErr(t, l.Sync(context.Background(), identity.New("acct", "INBOX", "none@x"), action.Reply), "Sync")
	testutil.AssertStrings(t, api.PatchCalls, "Label_9")
	if l.ids[action.Reply] != "Label_9" {
		t.Errorf("reply label id = %q, want Label_9", l.ids[action.Reply])
	}
	for _, name := range api.CreateCalls {
		if name == "threadtags/reply" {
			t.Error("existing label was recreated")
		}
	}
}

func TestLabels_ListFailureIsRetriedNextTime(t *testing.T) {
	api := gmail.NewMockAPI()
	api.LabelsError = errors.New("unavailable")
	l := NewLabels(api, "", discard())
	id := identity.New("acct", "INBOX", "a@x")

	if err := l.Sync(context.Background(), id, action.Reply); err == nil {
		t.Fatal("expected error")
	}
	api.LabelsError = nil
	testutil.MustNoErr(t, l.Sync(context.Background(), id, action.Reply), "Sync")
	if api.LabelsCalls != 2 {
		t.Errorf("ListLabels called %d times, want 2", api.LabelsCalls)
	}
}

func TestLabels_RecreatesLabelDeletedRemotely(t *testing.T) {
	api := gmail.NewMockAPI()
	api.AddMessage("a@x", "g1", "INBOX")
	l := NewLabels(api, "", discard())
	ctx := context.Background()
	id := identity.New("acct", "INBOX", "a@x")

	testutil.MustNoErr(t, l.Sync(ctx, id, action.Reply), "Sync")
	stale := l.ids[action.Reply]
	api.DeleteLabel(stale)

	if err := l.Sync(ctx, id, action.Reply); !gmail.IsNotFound(err) {
		t.Fatalf("Sync with deleted label: err = %v, want not found", err)
	}
	testutil.MustNoErr(t, l.Sync(ctx, id, action.Reply), "Sync after reset")

	if api.LabelsCalls != 2 {
		t.Errorf("ListLabels called %d times, want 2", api.LabelsCalls)
	}
	fresh := l.ids[action.Reply]
	if fresh == "" || fresh == stale {
		t.Fatalf("reply label id = %q, want a new id replacing %q", fresh, stale)
	}
	if diff := cmp.Diff([]string{"INBOX", fresh}, api.Message("g1").LabelIDs); diff != "" {
		t.Errorf("g1 labels mismatch (-want +got):\n%s", diff)
	}
}
