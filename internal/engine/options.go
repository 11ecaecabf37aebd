package engine

import "time"

// Options bounds the engine's work. Zero fields take the defaults below.
type Options struct {
	MaxThreadMembers      int
	ApplyMaxAttempts      int
	ApplyBackoff          time.Duration
	SuppressionWindow     time.Duration
	RetagWorkers          int
	MaxMessagesPerMailbox int
	MaxConversations      int
}

// DefaultOptions returns the default bounds.
func DefaultOptions() Options {
	return Options{
		MaxThreadMembers:      100,
		ApplyMaxAttempts:      3,
		ApplyBackoff:          500 * time.Millisecond,
		SuppressionWindow:     10 * time.Second,
		RetagWorkers:          4,
		MaxMessagesPerMailbox: 5000,
		MaxConversations:      2000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxThreadMembers <= 0 {
		o.MaxThreadMembers = d.MaxThreadMembers
	}
	if o.ApplyMaxAttempts <= 0 {
		o.ApplyMaxAttempts = d.ApplyMaxAttempts
	}
	if o.ApplyBackoff <= 0 {
		o.ApplyBackoff = d.ApplyBackoff
	}
	if o.SuppressionWindow <= 0 {
		o.SuppressionWindow = d.SuppressionWindow
	}
	if o.RetagWorkers <= 0 {
		o.RetagWorkers = d.RetagWorkers
	}
	if o.MaxMessagesPerMailbox <= 0 {
		o.MaxMessagesPerMailbox = d.MaxMessagesPerMailbox
	}
	if o.MaxConversations <= 0 {
		o.MaxConversations = d.MaxConversations
	}
	return o
}
