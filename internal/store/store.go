package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = errors.New("record not found")

// DuplicateError reports a create that collides with an existing record.
type DuplicateError struct {
	Kind string // "user" or "group"
	Name string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Name)
}

// CreationMethod records how a user account came to exist locally.
type CreationMethod string

const (
	// CreationExternal marks accounts imported from the directory.
	CreationExternal CreationMethod = "external"
	// CreationLocal marks accounts created locally, never touched by sync.
	CreationLocal CreationMethod = "local"
)

// User is a local account record.
type User struct {
	ID             uuid.UUID
	Username       string
	First          string
	Last           string
	Email          string
	CreationMethod CreationMethod
	CreatedAt      time.Time
}

// Group is a local group record. DirectoryManaged is set only on groups
// created by directory import and is the gate for membership rewrites.
type Group struct {
	ID               uuid.UUID
	Name             string
	DirectoryManaged bool
	CreatedAt        time.Time
}

// Store is the identity persistence contract used by the reconciliation
// engine. Membership is keyed by names rather than IDs because that is the
// identity the directory speaks.
type Store interface {
	GetUser(ctx context.Context, username string) (*User, error)
	CreateUser(ctx context.Context, user *User) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
	ListExternalUsers(ctx context.Context) ([]User, error)

	GetGroup(ctx context.Context, name string) (*Group, error)
	CreateGroup(ctx context.Context, group *Group) (*Group, error)
	UpdateGroup(ctx context.Context, group *Group) error
	ListManagedGroups(ctx context.Context) ([]Group, error)

	// SetMembership replaces the member set of a group. Usernames without a
	// matching user record are skipped.
	SetMembership(ctx context.Context, groupName string, usernames []string) error
	GetMembership(ctx context.Context, groupName string) ([]string, error)

	// GroupsOfUser returns every group the user belongs to.
	GroupsOfUser(ctx context.Context, username string) ([]Group, error)
	// ReplaceUserManagedGroups rewrites the user's membership among
	// directory-managed groups to exactly groupNames. Non-managed
	// memberships are untouched.
	ReplaceUserManagedGroups(ctx context.Context, username string, groupNames []string) error

	Close() error
}

// Open creates a store for the configured backend.
func Open(backend, dsn string) (Store, error) {
	switch backend {
	case "memory", "":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(context.Background(), dsn)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
