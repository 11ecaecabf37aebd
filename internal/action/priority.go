package action

import (
	"fmt"
	"math"
	"strings"
)

// Priority ranks actions when a conversation's members disagree. Higher wins.
type Priority interface {
	PriorityOf(a Action) int
}

// PriorityTable is a Priority backed by an explicit ordinal per action.
// Actions missing from the table rank below every listed action.
type PriorityTable map[Action]int

// PriorityOf implements Priority.
func (t PriorityTable) PriorityOf(a Action) int {
	if p, ok := t[a]; ok {
		return p
	}
	return math.MinInt
}

// Validate checks that every action has an ordinal.
func (t PriorityTable) Validate() error {
	var missing []string
	for _, a := range All() {
		if _, ok := t[a]; !ok {
			missing = append(missing, string(a))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("priority table missing actions: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ParsePriorityTable builds a table from string keys, as decoded from config.
func ParsePriorityTable(raw map[string]int) (PriorityTable, error) {
	t := make(PriorityTable, len(raw))
	for k, v := range raw {
		a, err := Parse(k)
		if err != nil {
			return nil, fmt.Errorf("priority: %w", err)
		}
		t[a] = v
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Effective returns the highest-priority present action in actions.
// Ties keep the first action seen. An empty or all-absent list yields Absent.
func Effective(actions []Action, p Priority) Action {
	best := Absent
	bestRank := 0
	for _, a := range actions {
		if !a.IsPresent() {
			continue
		}
		rank := p.PriorityOf(a)
		if best == Absent || rank > bestRank {
			best, bestRank = a, rank
		}
	}
	return best
}
