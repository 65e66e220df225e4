package directory

import (
	"context"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/isometry/ldapsync/internal/normalize"
)

// Client implements Directory against a real LDAP server through a shared
// ConnManager.
type Client struct {
	cfg   *Config
	conns *ConnManager
	log   *zap.Logger
}

// NewClient creates a directory client. The ConnManager is injected so the
// same cached connection can be shared and invalidated by the owner.
func NewClient(cfg *Config, conns *ConnManager, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{cfg: cfg, conns: conns, log: log}
}

// FindUsers implements Directory.
func (c *Client) FindUsers(ctx context.Context, pattern string, byDN bool, scope SearchScope) ([]User, error) {
	baseDN, searchScope, filter := c.userSearch(pattern, byDN, scope)

	entries, err := c.search(ctx, "find_users", baseDN, searchScope, filter, c.userAttributes())
	if err != nil {
		return nil, err
	}

	users := make([]User, 0, len(entries))
	for _, entry := range entries {
		if user, ok := c.userFromEntry(entry); ok {
			users = append(users, user)
		}
	}
	return users, nil
}

// FindGroups implements Directory. A byDN lookup with ScopeSubtree searches
// below the target DN, returning the group itself and every descendant.
func (c *Client) FindGroups(ctx context.Context, pattern string, byDN bool, scope SearchScope) ([]Group, error) {
	baseDN, searchScope, filter := c.groupSearch(pattern, byDN, scope)

	entries, err := c.search(ctx, "find_groups", baseDN, searchScope, filter, c.groupAttributes())
	if err != nil {
		return nil, err
	}

	groups := make([]Group, 0, len(entries))
	for _, entry := range entries {
		if group, ok := c.groupFromEntry(entry); ok {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

// FindUsersOfGroup implements Directory.
func (c *Client) FindUsersOfGroup(ctx context.Context, dn string) ([]User, error) {
	groups, err := c.FindGroups(ctx, dn, true, ScopeBase)
	if err != nil {
		return nil, err
	}

	var users []User
	for _, group := range groups {
		for _, member := range group.MemberDNs {
			found, err := c.FindUsers(ctx, member, true, ScopeBase)
			if err != nil {
				return nil, err
			}
			users = append(users, found...)
		}
	}
	return users, nil
}

// FindGroupsOfGroup implements Directory.
func (c *Client) FindGroupsOfGroup(ctx context.Context, dn string) ([]Group, error) {
	groups, err := c.FindGroups(ctx, dn, true, ScopeBase)
	if err != nil {
		return nil, err
	}

	var nested []Group
	for _, group := range groups {
		for _, member := range group.MemberDNs {
			found, err := c.FindGroups(ctx, member, true, ScopeBase)
			if err != nil {
				return nil, err
			}
			nested = append(nested, found...)
		}
	}
	return nested, nil
}

// userSearch derives the search parameters for a user query.
func (c *Client) userSearch(pattern string, byDN bool, scope SearchScope) (string, SearchScope, string) {
	if byDN {
		return pattern, scope, c.cfg.UserFilter
	}
	filter := "(&" + c.cfg.UserFilter + "(" + c.cfg.UsernameAttr + "=" + PatternToFilter(pattern) + "))"
	return c.cfg.BaseDN, ScopeSubtree, filter
}

// groupSearch derives the search parameters for a group query.
func (c *Client) groupSearch(pattern string, byDN bool, scope SearchScope) (string, SearchScope, string) {
	if byDN {
		return pattern, scope, c.cfg.GroupFilter
	}
	filter := "(&" + c.cfg.GroupFilter + "(" + c.cfg.GroupNameAttr + "=" + PatternToFilter(pattern) + "))"
	return c.cfg.BaseDN, ScopeSubtree, filter
}

// search executes one LDAP search on the shared connection. A base-object
// lookup miss is an empty result; everything else surfaces as a directory
// communication error and, when connection-fatal, invalidates the cached
// connection so the next request redials.
func (c *Client) search(ctx context.Context, op, baseDN string, scope SearchScope, filter string, attrs []string) ([]*ldap.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewUnavailableError(op, err)
	}

	conn, err := c.conns.Get()
	if err != nil {
		return nil, NewUnavailableError(op, err)
	}

	req := ldap.NewSearchRequest(
		baseDN,
		scopeToLDAP(scope),
		ldap.NeverDerefAliases,
		0,
		int(c.cfg.Timeout.Seconds()),
		false,
		filter,
		attrs,
		nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		if isNoSuchObject(err) {
			return nil, nil
		}
		if isConnectionFatal(err) {
			c.conns.Invalidate()
		}
		c.log.Error("directory search failed",
			zap.String("operation", op),
			zap.String("base_dn", baseDN),
			zap.String("filter", filter),
			zap.String("category", string(Categorize(err))),
			zap.Error(err))
		return nil, NewUnavailableError(op, err)
	}

	return result.Entries, nil
}

func (c *Client) userAttributes() []string {
	return []string{c.cfg.UsernameAttr, "givenName", "sn", "mail", "memberOf", "objectSid"}
}

func (c *Client) groupAttributes() []string {
	return []string{c.cfg.GroupNameAttr, c.cfg.GroupMemberAttr, c.cfg.PosixMemberAttr}
}

// userFromEntry maps an LDAP entry onto a User record. Entries without the
// username attribute (for example group entries hit by a DN lookup) are not
// users and are skipped. First and last names are clipped to the store's
// field limit here so every consumer sees store-safe values.
func (c *Client) userFromEntry(entry *ldap.Entry) (User, bool) {
	username := entry.GetAttributeValue(c.cfg.UsernameAttr)
	if username == "" {
		return User{}, false
	}
	return User{
		DN:       entry.DN,
		Username: username,
		First:    normalize.TruncateName(entry.GetAttributeValue("givenName")),
		Last:     normalize.TruncateName(entry.GetAttributeValue("sn")),
		Email:    entry.GetAttributeValue("mail"),
		GroupDNs: entry.GetAttributeValues("memberOf"),
		SID:      extractSID(entry),
	}, true
}

// groupFromEntry maps an LDAP entry onto a Group record.
func (c *Client) groupFromEntry(entry *ldap.Entry) (Group, bool) {
	name := entry.GetAttributeValue(c.cfg.GroupNameAttr)
	if name == "" {
		return Group{}, false
	}
	return Group{
		DN:           entry.DN,
		Name:         name,
		MemberDNs:    entry.GetAttributeValues(c.cfg.GroupMemberAttr),
		PosixMembers: entry.GetAttributeValues(c.cfg.PosixMemberAttr),
	}, true
}

// PatternToFilter translates a name glob into an LDAP filter value: every
// filter metacharacter is escaped except '*', which stays a wildcard.
func PatternToFilter(pattern string) string {
	escaped := ldap.EscapeFilter(pattern)
	return strings.ReplaceAll(escaped, `\2a`, "*")
}

func scopeToLDAP(scope SearchScope) int {
	if scope == ScopeBase {
		return ldap.ScopeBaseObject
	}
	return ldap.ScopeWholeSubtree
}
