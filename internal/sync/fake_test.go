package sync

import (
	"context"
	"regexp"
	"strings"

	"github.com/isometry/ldapsync/internal/directory"
)

// fakeDirectory is an in-memory Directory with glob pattern matching:
// '*' wildcards, anchored, case-insensitive.
type fakeDirectory struct {
	users  map[string]*directory.User  // by DN, lowercased
	groups map[string]*directory.Group // by DN, lowercased
	err    error                       // when set every operation fails with it
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users:  make(map[string]*directory.User),
		groups: make(map[string]*directory.Group),
	}
}

func (f *fakeDirectory) addUser(user directory.User) {
	copied := user
	f.users[strings.ToLower(user.DN)] = &copied
}

func (f *fakeDirectory) addGroup(group directory.Group) {
	copied := group
	f.groups[strings.ToLower(group.DN)] = &copied
}

func (f *fakeDirectory) FindUsers(_ context.Context, pattern string, byDN bool, scope directory.SearchScope) ([]directory.User, error) {
	if f.err != nil {
		return nil, f.err
	}

	if byDN {
		if user, ok := f.users[strings.ToLower(pattern)]; ok {
			return []directory.User{*user}, nil
		}
		return nil, nil
	}

	re := globToRegexp(pattern)
	var users []directory.User
	for _, user := range f.users {
		if re.MatchString(user.Username) {
			users = append(users, *user)
		}
	}
	return users, nil
}

func (f *fakeDirectory) FindGroups(_ context.Context, pattern string, byDN bool, scope directory.SearchScope) ([]directory.Group, error) {
	if f.err != nil {
		return nil, f.err
	}

	if byDN {
		target := strings.ToLower(pattern)
		var groups []directory.Group
		for dn, group := range f.groups {
			if dn == target {
				groups = append([]directory.Group{*group}, groups...)
				continue
			}
			if scope == directory.ScopeSubtree && strings.HasSuffix(dn, ","+target) {
				groups = append(groups, *group)
			}
		}
		return groups, nil
	}

	re := globToRegexp(pattern)
	var groups []directory.Group
	for _, group := range f.groups {
		if re.MatchString(group.Name) {
			groups = append(groups, *group)
		}
	}
	return groups, nil
}

func (f *fakeDirectory) FindUsersOfGroup(_ context.Context, dn string) ([]directory.User, error) {
	if f.err != nil {
		return nil, f.err
	}

	group, ok := f.groups[strings.ToLower(dn)]
	if !ok {
		return nil, nil
	}

	var users []directory.User
	for _, member := range group.MemberDNs {
		if user, ok := f.users[strings.ToLower(member)]; ok {
			users = append(users, *user)
		}
	}
	return users, nil
}

func (f *fakeDirectory) FindGroupsOfGroup(_ context.Context, dn string) ([]directory.Group, error) {
	if f.err != nil {
		return nil, f.err
	}

	group, ok := f.groups[strings.ToLower(dn)]
	if !ok {
		return nil, nil
	}

	var nested []directory.Group
	for _, member := range group.MemberDNs {
		if sub, ok := f.groups[strings.ToLower(member)]; ok {
			nested = append(nested, *sub)
		}
	}
	return nested, nil
}

func globToRegexp(pattern string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	return regexp.MustCompile("(?i)^" + escaped + "$")
}

const (
	peopleOU = "ou=People,dc=example,dc=com"
	groupsOU = "ou=Groups,dc=example,dc=com"
)

func userDN(uid string) string { return "uid=" + uid + "," + peopleOU }
func groupDN(cn string) string { return "cn=" + cn + "," + groupsOU }

// testDirectory builds the fixture the engine tests run against: a People
// subtree, a flat group, a nested group chain and a posix group with a
// DN-subordinate child.
func testDirectory() *fakeDirectory {
	f := newFakeDirectory()

	f.addUser(directory.User{DN: userDN("moe"), Username: "moe", First: "Moe", Email: "moe@stooges.com",
		GroupDNs: []string{groupDN("TestUsers")}})
	f.addUser(directory.User{DN: userDN("lårry"), Username: "lårry", First: "Lårry", Last: "Stooge", Email: "larry@stooges.com",
		GroupDNs: []string{groupDN("TestUsers"), groupDN("Test Administrators")}})
	f.addUser(directory.User{DN: userDN("curly"), Username: "curly", First: "Curly", Last: "Stooge", Email: "curly@stooges.com",
		GroupDNs: []string{groupDN("TestUsers")}})
	f.addUser(directory.User{DN: userDN("Rock"), Username: "Rock", First: "rock", Last: "doe", Email: "rockdoe@stooges.com",
		GroupDNs: []string{groupDN("Test Administrators")}})
	f.addUser(directory.User{DN: userDN("nestedguy"), Username: "nestedguy", First: "nested", Last: "guy"})
	f.addUser(directory.User{DN: userDN("otherguy"), Username: "otherguy"})
	f.addUser(directory.User{DN: userDN("posix_person"), Username: "posix_person"})
	f.addUser(directory.User{DN: userDN("posix_person2"), Username: "posix_person2"})

	longName := strings.Repeat("a", 151)
	f.addUser(directory.User{DN: userDN(longName), Username: longName})

	f.addGroup(directory.Group{DN: groupDN("TestUsers"), Name: "TestUsers",
		MemberDNs: []string{userDN("moe"), userDN("lårry"), userDN("curly"), userDN("Rock")}})
	f.addGroup(directory.Group{DN: groupDN("Test Administrators"), Name: "Test Administrators",
		MemberDNs: []string{userDN("Rock"), userDN("lårry")}})
	f.addGroup(directory.Group{DN: groupDN("OtherGroup"), Name: "OtherGroup"})

	f.addGroup(directory.Group{DN: groupDN("NestedGroups"), Name: "NestedGroups",
		MemberDNs: []string{groupDN("NestedGroup")}})
	f.addGroup(directory.Group{DN: groupDN("NestedGroup"), Name: "NestedGroup",
		MemberDNs: []string{userDN("nestedguy")}})

	f.addGroup(directory.Group{DN: groupDN("PosixGroup"), Name: "PosixGroup",
		PosixMembers: []string{"posix_person", "lårry"}})
	f.addGroup(directory.Group{DN: "cn=PosixGroup1," + groupDN("PosixGroup"), Name: "PosixGroup1",
		PosixMembers: []string{"posix_person2"}})
	f.addGroup(directory.Group{DN: groupDN("NestedPosixGroups"), Name: "NestedPosixGroups",
		MemberDNs: []string{groupDN("PosixGroup")}})

	return f
}
