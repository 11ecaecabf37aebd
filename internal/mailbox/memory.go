package mailbox

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// WriteCall records one WriteTags invocation on a Memory store.
type WriteCall struct {
	Ref  CopyRef
	Tags []string
}

type memMessage struct {
	header Header
	tags   []string
}

// Memory is an in-process Store, HeaderLister and ChangeSource. It records
// calls and supports error injection for tests.
type Memory struct {
	mu       sync.Mutex
	account  string
	folders  []Folder
	messages map[CopyRef]*memMessage
	nextUID  map[string]uint32
	subs     map[int]func(Change)
	nextSub  int

	// EchoWrites makes WriteTags notify subscribers, as a server-side
	// watcher would after observing the change.
	EchoWrites bool

	// ReadErr, if set, is consulted before every ReadTags.
	ReadErr func(ref CopyRef) error
	// WriteErr, if set, is consulted before every WriteTags.
	WriteErr func(ref CopyRef) error
	// IgnoreWrites makes the next n writes report success without storing.
	IgnoreWrites int

	Writes    []WriteCall
	ReadCount int
}

// NewMemory creates an empty store for account with the given folders.
func NewMemory(account string, folders ...Folder) *Memory {
	return &Memory{
		account:  account,
		folders:  folders,
		messages: make(map[CopyRef]*memMessage),
		nextUID:  make(map[string]uint32),
		subs:     make(map[int]func(Change)),
	}
}

// Add stores a message in folder and returns its location. No notification
// is sent; use Deliver for that.
func (m *Memory) Add(folder string, h Header) CopyRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUID[folder]++
	ref := CopyRef{Mailbox: folder, UID: m.nextUID[folder]}
	h.UID = ref.UID
	m.messages[ref] = &memMessage{header: h, tags: slices.Clone(h.Tags)}
	return ref
}

// Deliver adds a message and notifies subscribers that it arrived.
func (m *Memory) Deliver(folder string, h Header) CopyRef {
	ref := m.Add(folder, h)
	m.mu.Lock()
	hdr := m.messages[ref].header
	m.mu.Unlock()
	m.Emit(Change{Kind: Added, AccountID: m.account, Ref: ref, MessageID: hdr.MessageID, Header: &hdr, Tags: slices.Clone(hdr.Tags)})
	return ref
}

// Remove deletes a copy and notifies subscribers.
func (m *Memory) Remove(ref CopyRef) {
	m.mu.Lock()
	msg, ok := m.messages[ref]
	delete(m.messages, ref)
	m.mu.Unlock()
	if ok {
		m.Emit(Change{Kind: Removed, AccountID: m.account, Ref: ref, MessageID: msg.header.MessageID})
	}
}

// Edit replaces a copy's tags as an external client would and notifies
// subscribers.
func (m *Memory) Edit(ref CopyRef, tags []string) {
	m.mu.Lock()
	msg, ok := m.messages[ref]
	if ok {
		msg.tags = slices.Clone(tags)
	}
	m.mu.Unlock()
	if ok {
		m.Emit(Change{Kind: Changed, AccountID: m.account, Ref: ref, MessageID: msg.header.MessageID, Tags: slices.Clone(tags)})
	}
}

// Tags returns the current tags of a copy.
func (m *Memory) Tags(ref CopyRef) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[ref]; ok {
		return slices.Clone(msg.tags)
	}
	return nil
}

// WriteCount returns the number of WriteTags calls so far.
func (m *Memory) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Writes)
}

// Emit delivers c to every subscriber.
func (m *Memory) Emit(c Change) {
	m.mu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Subscribe implements ChangeSource.
func (m *Memory) Subscribe(fn func(Change)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// ReadTags implements Store.
func (m *Memory) ReadTags(_ context.Context, ref CopyRef) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadCount++
	if m.ReadErr != nil {
		if err := m.ReadErr(ref); err != nil {
			return nil, err
		}
	}
	msg, ok := m.messages[ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return slices.Clone(msg.tags), nil
}

// WriteTags implements Store.
func (m *Memory) WriteTags(_ context.Context, ref CopyRef, tags []string) error {
	m.mu.Lock()
	m.Writes = append(m.Writes, WriteCall{Ref: ref, Tags: slices.Clone(tags)})
	if m.WriteErr != nil {
		if err := m.WriteErr(ref); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	msg, ok := m.messages[ref]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if m.IgnoreWrites > 0 {
		m.IgnoreWrites--
		m.mu.Unlock()
		return nil
	}
	msg.tags = slices.Clone(tags)
	echo := m.EchoWrites
	msgID := msg.header.MessageID
	m.mu.Unlock()

	if echo {
		m.Emit(Change{Kind: Changed, AccountID: m.account, Ref: ref, MessageID: msgID, Tags: slices.Clone(tags)})
	}
	return nil
}

// ListCopies implements Store.
func (m *Memory) ListCopies(_ context.Context, folder, messageID string) ([]CopyRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := normalizeID(messageID)
	var refs []CopyRef
	for ref, msg := range m.messages {
		if ref.Mailbox == folder && normalizeID(msg.header.MessageID) == want {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].UID < refs[j].UID })
	return refs, nil
}

// ListFolders implements Store.
func (m *Memory) ListFolders(context.Context) ([]Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.folders), nil
}

// ListHeaders implements HeaderLister.
func (m *Memory) ListHeaders(_ context.Context, folder string, limit int) ([]Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Header
	for ref, msg := range m.messages {
		if ref.Mailbox != folder {
			continue
		}
		h := msg.header
		h.Tags = slices.Clone(msg.tags)
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func normalizeID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

var (
	_ Store        = (*Memory)(nil)
	_ HeaderLister = (*Memory)(nil)
	_ ChangeSource = (*Memory)(nil)
)
