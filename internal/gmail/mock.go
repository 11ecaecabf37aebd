package gmail

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// MockAPI is an in-memory API for tests.
type MockAPI struct {
	mu sync.Mutex

	Profile *Profile
	Labels  []*Label

	// MessagesByRFC822ID maps a Message-ID header value (without brackets)
	// to the Gmail messages carrying it.
	MessagesByRFC822ID map[string][]*MessageRef

	// Error injection
	LabelsError       error
	CreateLabelError  error
	ListMessagesError error
	ModifyError       map[string]error

	// Call tracking for assertions
	LabelsCalls  int
	CreateCalls  []string
	PatchCalls   []string
	Queries      []string
	ModifyCalls  []ModifyCall
	nextLabelSeq int
}

// ModifyCall records one ModifyMessage invocation.
type ModifyCall struct {
	MessageID string
	Add       []string
	Remove    []string
}

// NewMockAPI creates a mock with only system labels.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		Labels: []*Label{
			{ID: "INBOX", Name: "INBOX", Type: "system"},
			{ID: "SENT", Name: "SENT", Type: "system"},
		},
		MessagesByRFC822ID: make(map[string][]*MessageRef),
		ModifyError:        make(map[string]error),
	}
}

// AddMessage registers a Gmail message for an RFC 822 Message-ID.
func (m *MockAPI) AddMessage(rfc822ID, gmailID string, labelIDs ...string) *MessageRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := &MessageRef{ID: gmailID, ThreadID: "thread_" + gmailID, LabelIDs: labelIDs}
	m.MessagesByRFC822ID[rfc822ID] = append(m.MessagesByRFC822ID[rfc822ID], ref)
	return ref
}

// Message returns the current state of a Gmail message.
func (m *MockAPI) Message(gmailID string) *MessageRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, refs := range m.MessagesByRFC822ID {
		for _, r := range refs {
			if r.ID == gmailID {
				c := *r
				c.LabelIDs = slices.Clone(r.LabelIDs)
				return &c
			}
		}
	}
	return nil
}

// GetProfile returns the mock profile.
func (m *MockAPI) GetProfile(context.Context) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Profile == nil {
		return &Profile{EmailAddress: "test@example.com"}, nil
	}
	return m.Profile, nil
}

// ListLabels returns copies of the mock labels.
func (m *MockAPI) ListLabels(context.Context) ([]*Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LabelsCalls++
	if m.LabelsError != nil {
		return nil, m.LabelsError
	}
	out := make([]*Label, len(m.Labels))
	for i, l := range m.Labels {
		c := *l
		out[i] = &c
	}
	return out, nil
}

// CreateLabel adds a user label.
func (m *MockAPI) CreateLabel(_ context.Context, l *Label) (*Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls = append(m.CreateCalls, l.Name)
	if m.CreateLabelError != nil {
		return nil, m.CreateLabelError
	}
	for _, existing := range m.Labels {
		if strings.EqualFold(existing.Name, l.Name) {
			return nil, fmt.Errorf("request failed (409): label %q exists", l.Name)
		}
	}
	m.nextLabelSeq++
	created := &Label{
		ID:                    fmt.Sprintf("Label_%d", m.nextLabelSeq),
		Name:                  l.Name,
		Type:                  "user",
		MessageListVisibility: l.MessageListVisibility,
		LabelListVisibility:   l.LabelListVisibility,
	}
	m.Labels = append(m.Labels, created)
	c := *created
	return &c, nil
}

// PatchLabel updates visibility and name of an existing label.
func (m *MockAPI) PatchLabel(_ context.Context, id string, l *Label) (*Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PatchCalls = append(m.PatchCalls, id)
	for _, existing := range m.Labels {
		if existing.ID != id {
			continue
		}
		if l.Name != "" {
			existing.Name = l.Name
		}
		if l.LabelListVisibility != "" {
			existing.LabelListVisibility = l.LabelListVisibility
		}
		if l.MessageListVisibility != "" {
			existing.MessageListVisibility = l.MessageListVisibility
		}
		c := *existing
		return &c, nil
	}
	return nil, &NotFoundError{Path: "/labels/" + id}
}

// ListMessages supports queries of the form "rfc822msgid:<id>".
func (m *MockAPI) ListMessages(_ context.Context, query string, _ string) (*MessageListResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Queries = append(m.Queries, query)
	if m.ListMessagesError != nil {
		return nil, m.ListMessagesError
	}
	id, ok := strings.CutPrefix(query, "rfc822msgid:")
	if !ok {
		return nil, fmt.Errorf("mock: unsupported query %q", query)
	}
	resp := &MessageListResponse{}
	for _, r := range m.MessagesByRFC822ID[strings.Trim(id, "<>")] {
		resp.Messages = append(resp.Messages, MessageRef{ID: r.ID, ThreadID: r.ThreadID})
	}
	resp.ResultSizeEstimate = int64(len(resp.Messages))
	return resp, nil
}

// ModifyMessage applies label changes to a registered message.
func (m *MockAPI) ModifyMessage(_ context.Context, messageID string, add, remove []string) (*MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ModifyCalls = append(m.ModifyCalls, ModifyCall{MessageID: messageID, Add: add, Remove: remove})
	if err := m.ModifyError[messageID]; err != nil {
		return nil, err
	}
	for _, id := range slices.Concat(add, remove) {
		if !m.hasLabelLocked(id) {
			return nil, &NotFoundError{Path: "/labels/" + id}
		}
	}
	for _, refs := range m.MessagesByRFC822ID {
		for _, r := range refs {
			if r.ID != messageID {
				continue
			}
			r.LabelIDs = slices.DeleteFunc(r.LabelIDs, func(l string) bool { return slices.Contains(remove, l) })
			for _, l := range add {
				if !slices.Contains(r.LabelIDs, l) {
					r.LabelIDs = append(r.LabelIDs, l)
				}
			}
			c := *r
			c.LabelIDs = slices.Clone(r.LabelIDs)
			return &c, nil
		}
	}
	return nil, &NotFoundError{Path: "/messages/" + messageID}
}

// DeleteLabel removes a label and strips it from every message, as a user
// deleting it in the web client would.
func (m *MockAPI) DeleteLabel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Labels = slices.DeleteFunc(m.Labels, func(l *Label) bool { return l.ID == id })
	for _, refs := range m.MessagesByRFC822ID {
		for _, r := range refs {
			r.LabelIDs = slices.DeleteFunc(r.LabelIDs, func(l string) bool { return l == id })
		}
	}
}

func (m *MockAPI) hasLabelLocked(id string) bool {
	return slices.ContainsFunc(m.Labels, func(l *Label) bool { return l.ID == id })
}

// Close is a no-op.
func (m *MockAPI) Close() error { return nil }

var _ API = (*MockAPI)(nil)
