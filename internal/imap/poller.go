package imap

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/wesm/threadtags/internal/mailbox"
)

// FlagSource is the part of Client the poller needs.
type FlagSource interface {
	FetchFlags(ctx context.Context, folder string) (map[uint32][]string, error)
	FetchHeaders(ctx context.Context, folder string, uids []uint32) ([]mailbox.Header, error)
}

type snapshotEntry struct {
	tags      []string
	messageID string
}

// Poller turns periodic flag snapshots of one folder into change
// notifications. The first poll records a baseline and emits nothing.
type Poller struct {
	src      FlagSource
	account  string
	folder   string
	interval time.Duration
	logger   *slog.Logger

	subMu   sync.Mutex
	subs    map[int]func(mailbox.Change)
	nextSub int

	pollMu sync.Mutex
	prev   map[uint32]snapshotEntry
	primed bool
}

// NewPoller creates a poller for folder of account.
func NewPoller(src FlagSource, account, folder string, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		src:      src,
		account:  account,
		folder:   folder,
		interval: interval,
		logger:   logger,
		subs:     make(map[int]func(mailbox.Change)),
	}
}

// Subscribe implements mailbox.ChangeSource.
func (p *Poller) Subscribe(fn func(mailbox.Change)) func() {
	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.subMu.Unlock()
	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

func (p *Poller) emit(c mailbox.Change) {
	p.subMu.Lock()
	fns := make([]func(mailbox.Change), 0, len(p.subs))
	for _, k := range slices.Sorted(maps.Keys(p.subs)) {
		fns = append(fns, p.subs[k])
	}
	p.subMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Run polls every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("poll failed", "account", p.account, "folder", p.folder, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll takes one snapshot, emits the differences from the previous one and
// returns how many changes were emitted.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	flags, err := p.src.FetchFlags(ctx, p.folder)
	if err != nil {
		return 0, err
	}

	next := make(map[uint32]snapshotEntry, len(flags))
	var added, changed []uint32
	for uid, tags := range flags {
		old, ok := p.prev[uid]
		next[uid] = snapshotEntry{tags: tags, messageID: old.messageID}
		switch {
		case !ok:
			added = append(added, uid)
		case !sameTags(old.tags, tags):
			changed = append(changed, uid)
		}
	}
	var removed []uint32
	for uid := range p.prev {
		if _, ok := flags[uid]; !ok {
			removed = append(removed, uid)
		}
	}
	slices.Sort(added)
	slices.Sort(changed)
	slices.Sort(removed)

	if !p.primed {
		p.prev = next
		p.primed = true
		p.logger.Debug("poll baseline", "account", p.account, "folder", p.folder, "messages", len(next))
		return 0, nil
	}

	// Headers are needed for new messages and for changed ones whose id
	// has not been seen yet.
	var need []uint32
	need = append(need, added...)
	for _, uid := range changed {
		if next[uid].messageID == "" {
			need = append(need, uid)
		}
	}
	headers := make(map[uint32]mailbox.Header)
	if len(need) > 0 {
		hs, err := p.src.FetchHeaders(ctx, p.folder, need)
		if err != nil {
			return 0, err
		}
		for _, h := range hs {
			headers[h.UID] = h
			e := next[h.UID]
			e.messageID = h.MessageID
			next[h.UID] = e
		}
	}

	var changes []mailbox.Change
	for _, uid := range removed {
		changes = append(changes, mailbox.Change{
			Kind:      mailbox.Removed,
			AccountID: p.account,
			Ref:       mailbox.CopyRef{Mailbox: p.folder, UID: uid},
			MessageID: p.prev[uid].messageID,
		})
	}
	for _, uid := range added {
		h, ok := headers[uid]
		if !ok {
			continue
		}
		changes = append(changes, mailbox.Change{
			Kind:      mailbox.Added,
			AccountID: p.account,
			Ref:       mailbox.CopyRef{Mailbox: p.folder, UID: uid},
			MessageID: h.MessageID,
			Header:    &h,
			Tags:      next[uid].tags,
		})
	}
	for _, uid := range changed {
		changes = append(changes, mailbox.Change{
			Kind:      mailbox.Changed,
			AccountID: p.account,
			Ref:       mailbox.CopyRef{Mailbox: p.folder, UID: uid},
			MessageID: next[uid].messageID,
			Tags:      next[uid].tags,
		})
	}

	p.prev = next
	for _, c := range changes {
		p.emit(c)
	}
	return len(changes), nil
}

func sameTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

var _ mailbox.ChangeSource = (*Poller)(nil)
