// Package store contains the persistence layer for finished builds.
package store

// DefaultListLimit is used when ListOptions.Limit is not positive.
const DefaultListLimit = 20

// MaxListLimit caps ListOptions.Limit.
const MaxListLimit = 200

// ListOptions filters ListBuilds.
type ListOptions struct {
	Limit    int
	UniqueID string // optional
}

// Normalize clamps Limit into [1, MaxListLimit].
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	return o
}
