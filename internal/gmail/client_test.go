package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const quotaExceededMsg = "Quota exceeded for quota metric 'Queries'"

// gmailErrorBody builds a Gmail API error response JSON body.
// Optional fields (message, errors, details) are included only when non-zero.
func gmailErrorBody(code int, message string, errors []map[string]string, details []map[string]string) []byte {
	inner := map[string]any{"code": code}
	if message != "" {
		inner["message"] = message
	}
	if errors != nil {
		inner["errors"] = errors
	}
	if details != nil {
		inner["details"] = details
	}
	b, err := json.Marshal(map[string]any{"error": inner})
	if err != nil {
		panic(fmt.Sprintf("failed to marshal test body: %v", err))
	}
	return b
}

func errorWithReason(reason string) []byte {
	return gmailErrorBody(403, "", []map[string]string{{"reason": reason}}, nil)
}

func errorWithDetail(reason string) []byte {
	return gmailErrorBody(403, "", nil, []map[string]string{{"reason": reason}})
}

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want bool
	}{
		{"RateLimitExceeded", errorWithReason("rateLimitExceeded"), true},
		{"UpperCaseDetail", errorWithDetail("RATE_LIMIT_EXCEEDED"), true},
		{"QuotaExceeded", gmailErrorBody(403, quotaExceededMsg, nil, nil), true},
		{"UserRateLimitExceeded", errorWithReason("userRateLimitExceeded"), true},
		{"PermissionDenied", errorWithReason("forbidden"), false},
		{"EmptyBody", []byte{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRateLimitError(tt.body); got != tt.want {
				t.Errorf("isRateLimitError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(nil,
		WithHTTPClient(srv.Client()),
		WithBaseURL(srv.URL),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	c.backoff = func(int) time.Duration { return 0 }
	return c
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"labels":[{"id":"Label_1","name":"tt/reply","type":"user","labelListVisibility":"labelHide","messageListVisibility":"hide"}]}`)
	})

	labels, err := c.ListLabels(context.Background())
	if err != nil {
		t.Fatalf("ListLabels: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if len(labels) != 1 || !labels[0].Hidden() || labels[0].Name != "tt/reply" {
		t.Errorf("labels = %+v", labels)
	}
}

func TestClient_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := c.ModifyMessage(context.Background(), "abc", []string{"Label_1"}, nil)
	if !IsNotFound(err) {
		t.Errorf("err = %v, want NotFoundError", err)
	}
}

func TestClient_ForbiddenIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write(errorWithReason("insufficientPermissions"))
	})
	_, err := c.GetProfile(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestClient_CreateLabel(t *testing.T) {
	var got gmailLabel
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/users/me/labels" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		fmt.Fprint(w, `{"id":"Label_7","name":"tt/archive","type":"user","labelListVisibility":"labelHide","messageListVisibility":"hide"}`)
	})

	l, err := c.CreateLabel(context.Background(), &Label{
		Name: "tt/archive", LabelListVisibility: LabelHide, MessageListVisibility: MessageHide,
	})
	if err != nil {
		t.Fatalf("CreateLabel: %v", err)
	}
	want := gmailLabel{Name: "tt/archive", LabelListVisibility: LabelHide, MessageListVisibility: MessageHide}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("request body mismatch (-want +got):\n%s", diff)
	}
	if l.ID != "Label_7" {
		t.Errorf("ID = %q", l.ID)
	}
}

func TestClient_ListMessagesAndModify(t *testing.T) {
	var modifyBody map[string][]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/users/me/messages":
			if q := r.URL.Query().Get("q"); q != "rfc822msgid:abc@x" {
				t.Errorf("q = %q", q)
			}
			fmt.Fprint(w, `{"messages":[{"id":"g1","threadId":"t1"}],"resultSizeEstimate":1}`)
		case r.Method == http.MethodPost && r.URL.Path == "/users/me/messages/g1/modify":
			if err := json.NewDecoder(r.Body).Decode(&modifyBody); err != nil {
				t.Errorf("decode body: %v", err)
			}
			fmt.Fprint(w, `{"id":"g1","threadId":"t1","labelIds":["INBOX","Label_1"]}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	ctx := context.Background()
	list, err := c.ListMessages(ctx, "rfc822msgid:abc@x", "")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(list.Messages) != 1 || list.Messages[0].ID != "g1" {
		t.Fatalf("messages = %+v", list.Messages)
	}
	ref, err := c.ModifyMessage(ctx, "g1", []string{"Label_1"}, []string{"Label_2"})
	if err != nil {
		t.Fatalf("ModifyMessage: %v", err)
	}
	want := map[string][]string{"addLabelIds": {"Label_1"}, "removeLabelIds": {"Label_2"}}
	if diff := cmp.Diff(want, modifyBody); diff != "" {
		t.Errorf("modify body mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"INBOX", "Label_1"}, ref.LabelIDs); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ListLabels(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
