package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/config"
	"github.com/wesm/threadtags/internal/engine"
	"github.com/wesm/threadtags/internal/identity"
	"github.com/wesm/threadtags/internal/imap"
	"github.com/wesm/threadtags/internal/mailbox"
	"github.com/wesm/threadtags/internal/store"
	"github.com/wesm/threadtags/internal/testutil"
)

func TestEngineOptions(t *testing.T) {
	c := config.NewDefaultConfig(t.TempDir())
	got := engineOptions(c.Engine)
	want := engine.Options{
		MaxThreadMembers:      100,
		ApplyMaxAttempts:      3,
		ApplyBackoff:          500 * time.Millisecond,
		SuppressionWindow:     2 * time.Minute,
		RetagWorkers:          4,
		MaxMessagesPerMailbox: 5000,
		MaxConversations:      2000,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}
}

func TestMirrorRoles(t *testing.T) {
	got := mirrorRoles([]string{"archive", "flagged"})
	want := []mailbox.Role{mailbox.RoleArchive, mailbox.RoleFlagged}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("roles mismatch (-want +got):\n%s", diff)
	}
}

func TestPrintResult(t *testing.T) {
	m1 := identity.New("acct", "INBOX", "<m1@x>")
	m2 := identity.New("acct", "INBOX", "<m2@x>")

	var buf bytes.Buffer
	printResult(&buf, engine.Result{
		OK:         true,
		ThreadKey:  "acct|INBOX|<m1@x>",
		Members:    []identity.MessageIdentity{m1, m2},
		Actions:    map[string]action.Action{"<m1@x>": action.Reply},
		ReadyCount: 1,
	})
	testutil.AssertContainsAll(t, buf.String(), []string{
		"Thread:    acct|INBOX|<m1@x>",
		"Members:   2 (1 classified)",
		"reply    <m1@x>",
		"-        <m2@x>",
		"waiting for every member",
	})

	buf.Reset()
	printResult(&buf, engine.Result{OK: true, AllReady: true, Effective: action.Archive, Applied: true})
	testutil.AssertContainsAll(t, buf.String(), []string{"Effective: archive", "Applied to every member."})

	buf.Reset()
	printResult(&buf, engine.Result{Reason: "message not indexed"})
	if got := buf.String(); got != "Not aggregated: message not indexed\n" {
		t.Errorf("output = %q", got)
	}
}

func TestPrintRetag(t *testing.T) {
	var buf bytes.Buffer
	printRetag(&buf, engine.RetagReport{Enabled: true, Accounts: 2, Conversations: 5, Applied: 4, Skipped: 1, Duration: 1500 * time.Millisecond})
	out := buf.String()
	testutil.AssertContainsAll(t, out, []string{"Grouping mode: on", "Conversations: 5", "Applied:       4", "Took:          1.5s"})
	if strings.Contains(out, "Failed") {
		t.Errorf("output mentions failures without any:\n%s", out)
	}
}

func TestRenderStatusPlain(t *testing.T) {
	out := renderStatus(statusView{
		Database: "/tmp/threadtags.db",
		Grouping: true,
		Stats:    store.Stats{CachedActions: 12, Aggregates: 3, ReadyAggregates: 2, IndexedMessages: 40, Conversations: 9},
		Accounts: []accountView{
			{ID: "me@example.com", Mailbox: "INBOX", Server: "imap.example.com:993", Credentials: true, Schedule: "@hourly"},
			{ID: "other@example.com", Mailbox: "INBOX", Server: "imap.example.com:993", GmailMirror: true},
		},
	}, false)

	if strings.Contains(out, "\x1b[") {
		t.Errorf("plain output contains escape codes: %q", out)
	}
	testutil.AssertContainsAll(t, out, []string{
		"/tmp/threadtags.db",
		"on",
		"12",
		"3 (2 ready)",
		"me@example.com",
		"credentials ok",
		"@hourly",
		"no credentials",
		"unscheduled",
		"gmail labels",
	})
}

func TestRenderStatusNoAccounts(t *testing.T) {
	out := renderStatus(statusView{}, false)
	testutil.AssertContainsAll(t, out, []string{"off", "none configured"})
}

func TestAccountViews(t *testing.T) {
	home := t.TempDir()
	c := config.NewDefaultConfig(home)
	c.Data.DataDir = home
	ic := imap.Config{Host: "imap.example.com", TLS: true, Username: "me"}
	c.Accounts = []config.AccountConfig{
		{ID: "me", Email: "me@example.com", PrimaryMailbox: "INBOX", IMAP: ic},
		{ID: "g", Email: "g@gmail.com", PrimaryMailbox: "INBOX", IMAP: imap.Config{Host: "imap.gmail.com", TLS: true, Username: "g@gmail.com", Auth: imap.AuthOAuth2}},
	}
	testutil.MustNoErr(t, imap.SaveCredentials(c.TokensDir(), ic.Identifier(), "secret"), "SaveCredentials")

	views := accountViews(c)
	if len(views) != 2 {
		t.Fatalf("got %d views, want 2", len(views))
	}
	if !views[0].Credentials || views[0].Server != "imap.example.com:993" {
		t.Errorf("password account view = %+v", views[0])
	}
	if views[1].Credentials {
		t.Errorf("oauth account without secrets reported credentials: %+v", views[1])
	}
}

func TestUpsertIMAPAccount(t *testing.T) {
	c := config.NewDefaultConfig(t.TempDir())
	ic := imap.Config{Host: "imap.example.com", TLS: true, Username: "me"}

	if !upsertIMAPAccount(c, "me@example.com", "", ic) {
		t.Fatal("first upsert did not create the account")
	}
	acct := c.Account("me@example.com")
	if acct == nil || acct.PrimaryMailbox != "INBOX" || acct.IMAP.Host != "imap.example.com" {
		t.Fatalf("account = %+v", acct)
	}

	ic.Port = 1993
	if upsertIMAPAccount(c, "me@example.com", "Work", ic) {
		t.Error("second upsert created a duplicate")
	}
	if len(c.Accounts) != 1 || c.Accounts[0].IMAP.Port != 1993 || c.Accounts[0].PrimaryMailbox != "Work" {
		t.Errorf("accounts = %+v", c.Accounts)
	}
}

func TestUpsertGmailAccountRoundTrip(t *testing.T) {
	home := t.TempDir()
	c := config.NewDefaultConfig(home)
	c.Priority = map[string]int{"reply": 3, "archive": 2, "none": 1, "delete": 0}

	if !upsertGmailAccount(c, "me@gmail.com", false) {
		t.Fatal("upsert did not create the account")
	}
	if upsertGmailAccount(c, "me@gmail.com", true) {
		t.Fatal("upsert created a duplicate")
	}
	testutil.MustNoErr(t, c.Save(), "Save")

	loaded, err := config.Load(filepath.Join(home, "config.toml"))
	testutil.MustNoErr(t, err, "Load")
	acct := loaded.Account("me@gmail.com")
	if acct == nil {
		t.Fatal("account missing after reload")
	}
	if !acct.GmailMirror || acct.IMAP.AuthMethod() != imap.AuthOAuth2 || acct.IMAP.Host != "imap.gmail.com" {
		t.Errorf("account = %+v", acct)
	}
}
