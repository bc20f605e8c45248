// Package storage defines the persisted records and the transactional
// store contract used by the indexing, splitting and scheduling
// engines. Backends live in the bolt and memory sub-packages.
package storage

import (
	"time"
)

// Home is a calendar home: the per-user container owning calendar
// object records and an inbox.
type Home struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// ObjectRecord is one persisted calendar object.
//
// ResourceID is opaque, owner-assigned and immutable. UID is the
// caller-visible identity; uniqueness within a home is a convention,
// not enforced across split halves.
type ObjectRecord struct {
	ResourceID   string `json:"resource_id"`
	HomeID       string `json:"home_id"`
	CollectionID string `json:"collection_id"`
	UID          string `json:"uid"`

	// Data is the serialized component tree (RFC 5545 text).
	Data string `json:"data"`

	// DataVersion bumps on every accepted update.
	DataVersion int `json:"data_version"`

	// ScheduleObject marks records under implicit-scheduling control.
	ScheduleObject bool   `json:"schedule_object"`
	ScheduleTag    string `json:"schedule_tag,omitempty"`

	AttachmentRefs []string `json:"attachment_refs,omitempty"`

	// SplitFlagged marks an oversized object left unsplit because
	// splitting is disabled by configuration.
	SplitFlagged bool `json:"split_flagged,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// IndexEntry is one row of the free-busy time-range index.
type IndexEntry struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Recurring    bool      `json:"recurring"`
	FreeBusyType string    `json:"free_busy_type"`
}

// InboxItem is a notification delivered to a local attendee's inbox.
type InboxItem struct {
	ID        string    `json:"id"`
	HomeID    string    `json:"home_id"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// SplitWorkItem is one queued deferred split, at most one pending per
// resource.
type SplitWorkItem struct {
	HomeID     string    `json:"home_id"`
	ResourceID string    `json:"resource_id"`
	NotBefore  time.Time `json:"not_before"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
