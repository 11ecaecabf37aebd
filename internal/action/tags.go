package action

import (
	"fmt"

	"golang.org/x/text/cases"
)

// DefaultTags returns the default IMAP keyword for each action.
func DefaultTags() map[Action]string {
	return map[Action]string{
		Reply:   "$TT_Reply",
		Archive: "$TT_Archive",
		Delete:  "$TT_Delete",
		None:    "$TT_None",
	}
}

// TagMap translates between actions and the keywords stored on message copies.
// Keywords are compared case-insensitively, as IMAP servers do.
type TagMap struct {
	byAction map[Action]string
	byFolded map[string]Action
}

// NewTagMap builds a TagMap. An action mapped to "" carries no tag; applying
// it only clears other action tags.
func NewTagMap(tags map[Action]string) (*TagMap, error) {
	m := &TagMap{
		byAction: make(map[Action]string, len(tags)),
		byFolded: make(map[string]Action, len(tags)),
	}
	for a, tag := range tags {
		if !a.IsPresent() {
			return nil, fmt.Errorf("tag %q mapped to absent action", tag)
		}
		if tag == "" {
			continue
		}
		f := fold(tag)
		if prev, dup := m.byFolded[f]; dup {
			return nil, fmt.Errorf("tag %q used by both %s and %s", tag, prev, a)
		}
		m.byAction[a] = tag
		m.byFolded[f] = a
	}
	return m, nil
}

func fold(s string) string {
	return cases.Fold().String(s)
}

// TagFor returns the keyword for a, or "" if a has none.
func (m *TagMap) TagFor(a Action) string {
	return m.byAction[a]
}

// IsActionTag reports whether tag is one of the mapped action keywords.
func (m *TagMap) IsActionTag(tag string) bool {
	_, ok := m.byFolded[fold(tag)]
	return ok
}

// ActionOf returns the action of the first action keyword in tags.
func (m *TagMap) ActionOf(tags []string) Action {
	for _, t := range tags {
		if a, ok := m.byFolded[fold(t)]; ok {
			return a
		}
	}
	return Absent
}

// Replace returns the tag set with every action keyword removed and the
// keyword for target (if any) placed first. Other tags keep their order.
func (m *TagMap) Replace(existing []string, target Action) []string {
	out := make([]string, 0, len(existing)+1)
	if tag := m.TagFor(target); tag != "" {
		out = append(out, tag)
	}
	for _, t := range existing {
		if m.IsActionTag(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Matches reports whether tags carry exactly the keyword for target and no
// other action keyword. For a target without a keyword it reports whether no
// action keyword is present.
func (m *TagMap) Matches(tags []string, target Action) bool {
	want := m.TagFor(target)
	found := false
	for _, t := range tags {
		a, ok := m.byFolded[fold(t)]
		if !ok {
			continue
		}
		if want == "" || a != target || found {
			return false
		}
		found = true
	}
	return found || want == ""
}
