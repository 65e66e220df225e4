package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and as a lightweight
// backend for dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*User           // by username
	groups  map[string]*Group          // by name
	members map[string]map[string]bool // group name -> set of usernames
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		groups:  make(map[string]*Group),
		members: make(map[string]map[string]bool),
	}
}

func (s *MemoryStore) GetUser(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user *User) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return nil, &DuplicateError{Kind: "user", Name: user.Username}
	}

	copied := *user
	if copied.ID == uuid.Nil {
		copied.ID = uuid.New()
	}
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	s.users[copied.Username] = &copied

	result := copied
	return &result, nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.Username]
	if !ok {
		return ErrNotFound
	}
	copied := *user
	copied.ID = existing.ID
	copied.CreatedAt = existing.CreatedAt
	s.users[user.Username] = &copied
	return nil
}

func (s *MemoryStore) ListExternalUsers(_ context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []User
	for _, user := range s.users {
		if user.CreationMethod == CreationExternal {
			users = append(users, *user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *MemoryStore) GetGroup(_ context.Context, name string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	group, ok := s.groups[name]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *group
	return &copied, nil
}

func (s *MemoryStore) CreateGroup(_ context.Context, group *Group) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[group.Name]; exists {
		return nil, &DuplicateError{Kind: "group", Name: group.Name}
	}

	copied := *group
	if copied.ID == uuid.Nil {
		copied.ID = uuid.New()
	}
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	s.groups[copied.Name] = &copied
	s.members[copied.Name] = make(map[string]bool)

	result := copied
	return &result, nil
}

func (s *MemoryStore) UpdateGroup(_ context.Context, group *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.groups[group.Name]
	if !ok {
		return ErrNotFound
	}
	copied := *group
	copied.ID = existing.ID
	copied.CreatedAt = existing.CreatedAt
	s.groups[group.Name] = &copied
	return nil
}

func (s *MemoryStore) ListManagedGroups(_ context.Context) ([]Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var groups []Group
	for _, group := range s.groups {
		if group.DirectoryManaged {
			groups = append(groups, *group)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

func (s *MemoryStore) SetMembership(_ context.Context, groupName string, usernames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[groupName]; !ok {
		return ErrNotFound
	}

	set := make(map[string]bool, len(usernames))
	for _, username := range usernames {
		if _, ok := s.users[username]; ok {
			set[username] = true
		}
	}
	s.members[groupName] = set
	return nil
}

func (s *MemoryStore) GetMembership(_ context.Context, groupName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.groups[groupName]; !ok {
		return nil, ErrNotFound
	}

	usernames := make([]string, 0, len(s.members[groupName]))
	for username := range s.members[groupName] {
		usernames = append(usernames, username)
	}
	sort.Strings(usernames)
	return usernames, nil
}

func (s *MemoryStore) GroupsOfUser(_ context.Context, username string) ([]Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var groups []Group
	for name, set := range s.members {
		if set[username] {
			groups = append(groups, *s.groups[name])
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

func (s *MemoryStore) ReplaceUserManagedGroups(_ context.Context, username string, groupNames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[username]; !ok {
		return ErrNotFound
	}

	wanted := make(map[string]bool, len(groupNames))
	for _, name := range groupNames {
		wanted[name] = true
	}

	for name, group := range s.groups {
		if !group.DirectoryManaged {
			continue
		}
		if wanted[name] {
			s.members[name][username] = true
		} else {
			delete(s.members[name], username)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
