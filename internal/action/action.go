// Package action defines the mutually exclusive action classifications a
// message can carry and how a conversation's per-message actions merge into a
// single effective action.
package action

import (
	"errors"
	"fmt"
	"strings"
)

// Action is one of the mutually exclusive classifications. The zero value is
// Absent, meaning no classification is known yet.
type Action string

const (
	Absent  Action = ""
	Reply   Action = "reply"
	Archive Action = "archive"
	Delete  Action = "delete"
	None    Action = "none"
)

// ErrUnknown is returned by Parse for strings that name no action.
var ErrUnknown = errors.New("unknown action")

// All returns every present action in a stable order.
func All() []Action {
	return []Action{Reply, Archive, Delete, None}
}

// IsPresent reports whether a names a classification.
func (a Action) IsPresent() bool {
	return a != Absent
}

func (a Action) String() string {
	if a == Absent {
		return "absent"
	}
	return string(a)
}

// Parse converts a user or config supplied string into an Action.
func Parse(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reply":
		return Reply, nil
	case "archive":
		return Archive, nil
	case "delete":
		return Delete, nil
	case "none":
		return None, nil
	}
	return Absent, fmt.Errorf("%w: %q (expected reply, archive, delete or none)", ErrUnknown, s)
}
