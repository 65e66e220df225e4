package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/isometry/ldapsync/internal/directory"
)

// Policy selects how member groups of an imported group are interpreted.
type Policy string

const (
	// PolicySubordinate treats groups whose DN sits below the imported
	// group's DN as parts of it: their members are folded into the root.
	PolicySubordinate Policy = "subordinate"
	// PolicyNested treats group-valued members as groups in their own
	// right, imported alongside the root.
	PolicyNested Policy = "nested"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(name) {
	case PolicySubordinate, PolicyNested:
		return Policy(name), nil
	case "":
		return PolicySubordinate, nil
	default:
		return "", fmt.Errorf("unknown subgroup policy %q", name)
	}
}

// ResolvedGroup is one local group an expansion produced, with its member
// user records already classified. Shell groups are created without touching
// membership.
type ResolvedGroup struct {
	Group        directory.Group
	Users        []directory.User
	PosixMembers []string
	Shell        bool
}

// Expander turns one directory group into the flat list of local groups the
// configured policy implies.
type Expander struct {
	dir    directory.Directory
	policy Policy
	log    *zap.Logger
}

// NewExpander creates an expander for the given policy.
func NewExpander(dir directory.Directory, policy Policy, log *zap.Logger) *Expander {
	if log == nil {
		log = zap.NewNop()
	}
	return &Expander{dir: dir, policy: policy, log: log}
}

// Expand resolves root under the expander's policy. Cycles and diamonds in
// the group graph are visited once.
func (e *Expander) Expand(ctx context.Context, root directory.Group, recursive bool) ([]ResolvedGroup, error) {
	if e.policy == PolicyNested {
		return e.expandNested(ctx, root, recursive)
	}
	return e.expandSubordinate(ctx, root, recursive)
}

// expandSubordinate folds every group in root's DN subtree into a single
// resolved group. Non-recursive expansion takes only root's direct members.
func (e *Expander) expandSubordinate(ctx context.Context, root directory.Group, recursive bool) ([]ResolvedGroup, error) {
	memberDNs := root.MemberDNs
	posix := root.PosixMembers

	if recursive {
		subtree, err := e.dir.FindGroups(ctx, root.DN, true, directory.ScopeSubtree)
		if err != nil {
			return nil, err
		}
		memberDNs, posix = nil, nil
		seenDN := make(map[string]bool)
		seenPosix := make(map[string]bool)
		for _, group := range subtree {
			for _, dn := range group.MemberDNs {
				if !seenDN[dn] {
					seenDN[dn] = true
					memberDNs = append(memberDNs, dn)
				}
			}
			for _, member := range group.PosixMembers {
				if !seenPosix[member] {
					seenPosix[member] = true
					posix = append(posix, member)
				}
			}
		}
	}

	users, err := e.resolveUsers(ctx, memberDNs)
	if err != nil {
		return nil, err
	}

	return []ResolvedGroup{{Group: root, Users: users, PosixMembers: posix}}, nil
}

// expandNested resolves root's user members and surfaces each group member
// as its own resolved group: a bare shell when non-recursive, fully expanded
// when recursive.
func (e *Expander) expandNested(ctx context.Context, root directory.Group, recursive bool) ([]ResolvedGroup, error) {
	visited := map[string]bool{root.DN: true}
	var resolved []ResolvedGroup

	var walk func(group directory.Group) error
	walk = func(group directory.Group) error {
		users, err := e.dir.FindUsersOfGroup(ctx, group.DN)
		if err != nil {
			return err
		}
		resolved = append(resolved, ResolvedGroup{
			Group:        group,
			Users:        users,
			PosixMembers: group.PosixMembers,
		})

		nested, err := e.dir.FindGroupsOfGroup(ctx, group.DN)
		if err != nil {
			return err
		}
		for _, sub := range nested {
			if visited[sub.DN] {
				e.log.Debug("skipping already visited group", zap.String("dn", sub.DN))
				continue
			}
			visited[sub.DN] = true
			if recursive {
				if err := walk(sub); err != nil {
					return err
				}
			} else {
				resolved = append(resolved, ResolvedGroup{Group: sub, Shell: true})
			}
		}
		return nil
	}

	if err := walk(root); err != nil {
		return nil, err
	}
	return resolved, nil
}

// resolveUsers classifies member DNs into user records. DNs that do not
// resolve to a user entry (groups, stale references) are dropped.
func (e *Expander) resolveUsers(ctx context.Context, memberDNs []string) ([]directory.User, error) {
	var users []directory.User
	for _, dn := range memberDNs {
		found, err := e.dir.FindUsers(ctx, dn, true, directory.ScopeBase)
		if err != nil {
			return nil, err
		}
		users = append(users, found...)
	}
	return users, nil
}
