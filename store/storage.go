// Package store defines types and methods for a local archive of
// configuration profiles that have been installed on devices.
package store

import (
	"context"
	"errors"
)

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrNoNames         = errors.New("no profile names supplied")
)

// Info is metadata about an archived configuration profile, taken from
// the profile's top-level payload keys.
type Info struct {
	Identifier  string `json:"identifier"`             // top-level PayloadIdentifier of the profile.
	UUID        string `json:"uuid"`                   // top-level PayloadUUID of the profile.
	Version     uint64 `json:"version"`                // top-level PayloadVersion of the profile.
	DisplayName string `json:"display_name,omitempty"` // top-level PayloadDisplayName of the profile.
}

// Valid checks the validity of the profile metadata.
func (i *Info) Valid() bool {
	if i == nil || i.Identifier == "" || i.UUID == "" || i.Version == 0 {
		return false
	}
	return true
}

type ReadStorage interface {
	// RetrieveInfos returns the archived profile metadata by name.
	// Implementations have the choice to return all profile metadata if
	// no names were provided or not. ErrProfileNotFound is returned for
	// any name that hasn't been stored.
	RetrieveInfos(ctx context.Context, names []string) (map[string]Info, error)

	// RetrieveRaw returns the raw archived profile bytes by name.
	// Implementations should not return all profiles if no names were provided.
	// ErrProfileNotFound is returned for any name that hasn't been stored.
	// ErrNoNames is returned if names is empty.
	RetrieveRaw(ctx context.Context, names []string) (map[string][]byte, error)
}

type Storage interface {
	ReadStorage

	// Store archives a raw profile and associated info by name.
	// It is up to the caller to make sure info is correctly populated
	// and matches the raw profile bytes.
	Store(ctx context.Context, name string, info Info, raw []byte) error

	// Delete deletes a profile from the archive by name.
	// ErrProfileNotFound is returned for a name that hasn't been stored.
	Delete(ctx context.Context, name string) error
}
