package sync

import (
	"context"
	"errors"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/isometry/ldapsync/internal/directory"
	"github.com/isometry/ldapsync/internal/normalize"
	"github.com/isometry/ldapsync/internal/store"
)

// UserImportRequest describes one import-users run.
type UserImportRequest struct {
	Pattern    string
	ByDN       bool
	SyncGroups bool
}

// GroupImportRequest describes one import-groups run.
type GroupImportRequest struct {
	Pattern       string
	ByDN          bool
	ImportMembers bool
	Recursive     bool
	SyncUsers     bool
}

// Failure records one entity that could not be reconciled. The batch
// continues past failures; only directory outages abort a run.
type Failure struct {
	Name   string
	Reason string
}

// Result summarizes a reconciliation run.
type Result struct {
	CreatedUsers  []string
	UpdatedUsers  []string
	CreatedGroups []string
	SyncedGroups  []string
	Failed        []Failure
}

func (r *Result) fail(name string, err error) {
	r.Failed = append(r.Failed, Failure{Name: name, Reason: err.Error()})
}

// Engine reconciles directory state into the local identity store. All runs
// are sequential; a directory.UnavailableError aborts the request and leaves
// already-applied local writes in place.
type Engine struct {
	dir      directory.Directory
	store    store.Store
	expander *Expander
	casing   normalize.CasePolicy
	log      *zap.Logger

	// refreshAttributes controls whether SyncGroups also refreshes member
	// user attributes from the directory.
	refreshAttributes bool
}

// Options configures engine behavior beyond its collaborators.
type Options struct {
	Policy                  Policy
	CasePolicy              normalize.CasePolicy
	RefreshAttributesOnSync bool
}

// NewEngine creates a reconciliation engine.
func NewEngine(dir directory.Directory, st store.Store, opts Options, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		dir:               dir,
		store:             st,
		expander:          NewExpander(dir, opts.Policy, log),
		casing:            opts.CasePolicy,
		log:               log,
		refreshAttributes: opts.RefreshAttributesOnSync,
	}
}

// ImportUsers imports every directory user matching the request pattern.
// Existing local accounts are left untouched (attributes and creation
// method); with SyncGroups their membership among directory-managed groups
// is rewritten to what the directory claims.
func (e *Engine) ImportUsers(ctx context.Context, req UserImportRequest) (*Result, error) {
	users, err := e.dir.FindUsers(ctx, req.Pattern, req.ByDN, directory.ScopeSubtree)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, user := range users {
		username, err := e.localUsername(user.Username)
		if err != nil {
			e.log.Warn("skipping invalid user",
				zap.String("dn", user.DN),
				zap.Error(err))
			result.fail(user.Username, err)
			continue
		}

		if _, err := e.ensureUser(ctx, username, user, userSyncOpts{create: true}, result); err != nil {
			return nil, err
		}

		if req.SyncGroups {
			if err := e.syncUserGroups(ctx, username, user); err != nil {
				return nil, err
			}
		}
	}

	e.log.Info("user import finished",
		zap.String("pattern", req.Pattern),
		zap.Int("created", len(result.CreatedUsers)),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

// ImportGroups imports every directory group matching the request pattern,
// expanded under the configured subgroup policy.
func (e *Engine) ImportGroups(ctx context.Context, req GroupImportRequest) (*Result, error) {
	scope := directory.ScopeBase
	if !req.ByDN {
		scope = directory.ScopeSubtree
	}
	groups, err := e.dir.FindGroups(ctx, req.Pattern, req.ByDN, scope)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	opts := groupSyncOpts{
		createUsers:    req.ImportMembers,
		syncMembership: req.ImportMembers || req.SyncUsers,
		refreshAttrs:   req.SyncUsers,
	}

	for _, group := range groups {
		resolved, err := e.expander.Expand(ctx, group, req.Recursive)
		if err != nil {
			return nil, err
		}
		for _, rg := range resolved {
			if err := e.reconcileGroup(ctx, rg, opts, result); err != nil {
				return nil, err
			}
		}
	}

	e.log.Info("group import finished",
		zap.String("pattern", req.Pattern),
		zap.Int("groups_created", len(result.CreatedGroups)),
		zap.Int("groups_synced", len(result.SyncedGroups)),
		zap.Int("users_created", len(result.CreatedUsers)),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

// SyncUsers refreshes the attributes of every external local user from the
// directory. Users the directory no longer knows are left alone; sync never
// creates accounts.
func (e *Engine) SyncUsers(ctx context.Context) (*Result, error) {
	locals, err := e.store.ListExternalUsers(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, local := range locals {
		found, err := e.dir.FindUsers(ctx, local.Username, false, directory.ScopeSubtree)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			e.log.Debug("user absent from directory", zap.String("username", local.Username))
			continue
		}

		remote := found[0]
		local.First = remote.First
		local.Last = remote.Last
		local.Email = remote.Email
		if err := e.store.UpdateUser(ctx, &local); err != nil {
			return nil, err
		}
		result.UpdatedUsers = append(result.UpdatedUsers, local.Username)
	}

	e.log.Info("user sync finished", zap.Int("updated", len(result.UpdatedUsers)))
	return result, nil
}

// SyncGroups re-reconciles every directory-managed local group: membership
// is recomputed among already-known users, and member attributes are
// refreshed only when the engine is configured to do so. Managed groups the
// directory no longer knows are left alone.
func (e *Engine) SyncGroups(ctx context.Context) (*Result, error) {
	managed, err := e.store.ListManagedGroups(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	opts := groupSyncOpts{
		syncMembership: true,
		refreshAttrs:   e.refreshAttributes,
	}

	for _, local := range managed {
		found, err := e.dir.FindGroups(ctx, local.Name, false, directory.ScopeSubtree)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			e.log.Debug("group absent from directory", zap.String("name", local.Name))
			continue
		}

		resolved, err := e.expander.Expand(ctx, found[0], false)
		if err != nil {
			return nil, err
		}
		for _, rg := range resolved {
			if rg.Group.Name != local.Name {
				// Sync confines itself to groups already managed locally.
				continue
			}
			if err := e.reconcileGroup(ctx, rg, opts, result); err != nil {
				return nil, err
			}
		}
	}

	e.log.Info("group sync finished",
		zap.Int("synced", len(result.SyncedGroups)),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

type groupSyncOpts struct {
	createUsers    bool
	syncMembership bool
	refreshAttrs   bool
}

type userSyncOpts struct {
	create  bool
	refresh bool
}

// reconcileGroup applies one resolved group to the store. A pre-existing
// group not managed by the directory is left entirely alone.
func (e *Engine) reconcileGroup(ctx context.Context, rg ResolvedGroup, opts groupSyncOpts, result *Result) error {
	name := rg.Group.Name

	local, err := e.store.GetGroup(ctx, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if _, err := e.store.CreateGroup(ctx, &store.Group{Name: name, DirectoryManaged: true}); err != nil {
			return err
		}
		result.CreatedGroups = append(result.CreatedGroups, name)
	case err != nil:
		return err
	case !local.DirectoryManaged:
		e.log.Warn("group exists locally and is not directory-managed, leaving it alone",
			zap.String("name", name))
		return nil
	}

	if rg.Shell || !opts.syncMembership {
		return nil
	}

	usernames, err := e.resolveMembers(ctx, rg, opts, result)
	if err != nil {
		return err
	}
	if err := e.store.SetMembership(ctx, name, usernames); err != nil {
		return err
	}
	result.SyncedGroups = append(result.SyncedGroups, name)
	return nil
}

// resolveMembers turns a resolved group's user records and posix member
// names into the local usernames that form its new member set.
func (e *Engine) resolveMembers(ctx context.Context, rg ResolvedGroup, opts groupSyncOpts, result *Result) ([]string, error) {
	userOpts := userSyncOpts{create: opts.createUsers, refresh: opts.refreshAttrs}

	var usernames []string
	seen := make(map[string]bool)

	include := func(username string) {
		if !seen[username] {
			seen[username] = true
			usernames = append(usernames, username)
		}
	}

	for _, user := range rg.Users {
		username, err := e.localUsername(user.Username)
		if err != nil {
			e.log.Warn("skipping invalid member",
				zap.String("dn", user.DN),
				zap.Error(err))
			result.fail(user.Username, err)
			continue
		}
		ok, err := e.ensureUser(ctx, username, user, userOpts, result)
		if err != nil {
			return nil, err
		}
		if ok {
			include(username)
		}
	}

	for _, member := range rg.PosixMembers {
		found, err := e.dir.FindUsers(ctx, member, false, directory.ScopeSubtree)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			e.log.Debug("posix member absent from directory", zap.String("member", member))
			continue
		}
		username, err := e.localUsername(found[0].Username)
		if err != nil {
			result.fail(member, err)
			continue
		}
		ok, err := e.ensureUser(ctx, username, found[0], userOpts, result)
		if err != nil {
			return nil, err
		}
		if ok {
			include(username)
		}
	}

	return usernames, nil
}

// ensureUser makes sure a directory user exists locally per opts and reports
// whether the account may appear in managed membership. Existing accounts
// keep their creation method; attributes are only rewritten for external
// accounts when opts.refresh is set.
func (e *Engine) ensureUser(ctx context.Context, username string, user directory.User, opts userSyncOpts, result *Result) (bool, error) {
	local, err := e.store.GetUser(ctx, username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if !opts.create {
			return false, nil
		}
		created := &store.User{
			Username:       username,
			First:          user.First,
			Last:           user.Last,
			Email:          user.Email,
			CreationMethod: store.CreationExternal,
		}
		if _, err := e.store.CreateUser(ctx, created); err != nil {
			return false, err
		}
		result.CreatedUsers = append(result.CreatedUsers, username)
		return true, nil
	case err != nil:
		return false, err
	}

	if opts.refresh && local.CreationMethod == store.CreationExternal {
		local.First = user.First
		local.Last = user.Last
		local.Email = user.Email
		if err := e.store.UpdateUser(ctx, local); err != nil {
			return false, err
		}
		result.UpdatedUsers = append(result.UpdatedUsers, username)
	}
	return true, nil
}

// syncUserGroups rewrites one user's membership among directory-managed
// groups to the groups the directory entry claims.
func (e *Engine) syncUserGroups(ctx context.Context, username string, user directory.User) error {
	names := make([]string, 0, len(user.GroupDNs))
	for _, dn := range user.GroupDNs {
		names = append(names, groupNameFromDN(dn))
	}
	return e.store.ReplaceUserManagedGroups(ctx, username, names)
}

// localUsername maps a directory username onto its local form and validates
// it against the store's constraints.
func (e *Engine) localUsername(raw string) (string, error) {
	username := e.casing.Apply(normalize.StripDomain(raw))
	if err := normalize.ValidateUsername(username); err != nil {
		return "", err
	}
	return username, nil
}

// groupNameFromDN extracts the leading RDN value of a group DN. An
// unparsable DN is returned verbatim so the membership rewrite simply
// misses it.
func groupNameFromDN(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return dn
	}
	return parsed.RDNs[0].Attributes[0].Value
}
