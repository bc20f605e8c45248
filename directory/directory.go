// Package directory resolves calendar user addresses to principal
// records: individuals, rooms (with street address and geo data) and
// groups (with member lists).
package directory

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// RecordType classifies a directory record.
type RecordType int

const (
	TypeIndividual RecordType = iota
	TypeRoom
	TypeGroup
)

func (rt RecordType) String() string {
	switch rt {
	case TypeRoom:
		return "Room"
	case TypeGroup:
		return "Group"
	default:
		return "Individual"
	}
}

// Record is one resolved principal.
type Record struct {
	// UID is the stable directory identifier (the urn:x-uid: value).
	UID         string
	DisplayName string
	Email       string
	Type        RecordType

	// Addresses are every calendar user address the principal answers
	// to (mailto: and urn:x-uid: forms).
	Addresses []string

	// StreetAddress and Geo are set for rooms that carry location data.
	// Geo is "lat,long" decimal form.
	StreetAddress string
	Geo           string

	// MemberUIDs lists group members by UID.
	MemberUIDs []string
}

// ErrNotFound means the address does not resolve to a local principal.
// Scheduling treats such attendees as external rather than failing.
var ErrNotFound = errors.New("directory: record not found")

// Directory is the principal lookup collaborator.
type Directory interface {
	// Lookup resolves a calendar user address (mailto: or urn:x-uid:).
	Lookup(ctx context.Context, address string) (*Record, error)
	// LookupUID resolves by directory UID.
	LookupUID(ctx context.Context, uid string) (*Record, error)
}

// MemoryDirectory is a map-backed Directory for tests and small
// deployments.
type MemoryDirectory struct {
	mu        sync.RWMutex
	byUID     map[string]*Record
	byAddress map[string]*Record
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byUID:     make(map[string]*Record),
		byAddress: make(map[string]*Record),
	}
}

// AddRecord registers a record under its UID and every address.
func (d *MemoryDirectory) AddRecord(rec *Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byUID[rec.UID] = rec
	d.byAddress[strings.ToLower("urn:x-uid:"+rec.UID)] = rec
	for _, addr := range rec.Addresses {
		d.byAddress[strings.ToLower(addr)] = rec
	}
	if rec.Email != "" {
		d.byAddress[strings.ToLower("mailto:"+rec.Email)] = rec
	}
}

func (d *MemoryDirectory) Lookup(_ context.Context, address string) (*Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if rec, ok := d.byAddress[strings.ToLower(address)]; ok {
		return rec, nil
	}
	return nil, ErrNotFound
}

func (d *MemoryDirectory) LookupUID(_ context.Context, uid string) (*Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if rec, ok := d.byUID[uid]; ok {
		return rec, nil
	}
	return nil, ErrNotFound
}
