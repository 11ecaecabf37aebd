package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wesm/threadtags/internal/action"
	"github.com/wesm/threadtags/internal/gmail"
	"github.com/wesm/threadtags/internal/identity"
)

// DefaultLabelPrefix prefixes every mirrored label name.
const DefaultLabelPrefix = "threadtags/"

// LabelAPI is the part of the Gmail API the label mirror uses.
type LabelAPI interface {
	gmail.LabelReader
	gmail.LabelWriter
	gmail.MessageLabeler
}

// Labels mirrors actions onto hidden provider labels, one per action.
type Labels struct {
	api    LabelAPI
	prefix string
	logger *slog.Logger

	mu  sync.Mutex
	ids map[action.Action]string
}

// NewLabels creates a label mirror. An empty prefix selects
// DefaultLabelPrefix.
func NewLabels(api LabelAPI, prefix string, logger *slog.Logger) *Labels {
	if prefix == "" {
		prefix = DefaultLabelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Labels{api: api, prefix: prefix, logger: logger}
}

// Name implements the engine's Mirror interface.
func (l *Labels) Name() string { return "labels" }

// LabelName returns the label used for a.
func (l *Labels) LabelName(a action.Action) string {
	return l.prefix + string(a)
}

// Sync makes target's label the only action label on every remote message
// carrying id's Message-ID. Absent removes all action labels.
func (l *Labels) Sync(ctx context.Context, id identity.MessageIdentity, target action.Action) error {
	ids, err := l.ensureLabels(ctx)
	if err != nil {
		return err
	}

	list, err := l.api.ListMessages(ctx, "rfc822msgid:"+id.MessageID, "")
	if err != nil {
		return fmt.Errorf("search remote message %s: %w", id.MessageID, err)
	}
	if len(list.Messages) == 0 {
		l.logger.Debug("no remote message to label", "message_id", id.MessageID)
		return nil
	}

	var add, remove []string
	for _, a := range action.All() {
		if a == target {
			add = append(add, ids[a])
		} else {
			remove = append(remove, ids[a])
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, m := range list.Messages {
		g.Go(func() error {
			if _, err := l.api.ModifyMessage(gctx, m.ID, add, remove); err != nil {
				if gmail.IsNotFound(err) {
					l.forgetLabels()
				}
				return fmt.Errorf("label remote message %s: %w", m.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// forgetLabels drops the cached label ids. A label deleted on the provider
// side is then recreated by the next Sync.
func (l *Labels) forgetLabels() {
	l.mu.Lock()
	l.ids = nil
	l.mu.Unlock()
}

// ensureLabels returns the label id for every action, creating missing
// labels and hiding visible ones. Results are cached after the first
// complete pass.
func (l *Labels) ensureLabels(ctx context.Context) (map[action.Action]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ids != nil {
		return l.ids, nil
	}

	existing, err := l.api.ListLabels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	byName := make(map[string]*gmail.Label, len(existing))
	for _, lb := range existing {
		byName[strings.ToLower(lb.Name)] = lb
	}

	ids := make(map[action.Action]string, len(action.All()))
	for _, a := range action.All() {
		name := l.LabelName(a)
		hidden := &gmail.Label{
			Name:                  name,
			LabelListVisibility:   gmail.LabelHide,
			MessageListVisibility: gmail.MessageHide,
		}
		lb, ok := byName[strings.ToLower(name)]
		switch {
		case !ok:
			lb, err = l.api.CreateLabel(ctx, hidden)
			if err != nil {
				return nil, err
			}
			l.logger.Info("created mirror label", "label", name, "id", lb.ID)
		case !lb.Hidden():
			if _, err := l.api.PatchLabel(ctx, lb.ID, &gmail.Label{
				LabelListVisibility:   gmail.LabelHide,
				MessageListVisibility: gmail.MessageHide,
			}); err != nil {
				return nil, err
			}
		}
		ids[a] = lb.ID
	}
	l.ids = ids
	return ids, nil
}
