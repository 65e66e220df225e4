package directory

import (
	"context"
	"time"
)

// Config holds the connection and schema settings for one directory server.
type Config struct {
	// Connection settings
	URL     string        // ldap:// or ldaps:// URL of the server
	BaseDN  string        // search base for users and groups
	Timeout time.Duration // connect and per-operation timeout

	// Authentication settings
	BindDN         string // bind DN or principal (empty for anonymous bind)
	BindPassword   string
	KerberosRealm  string // enables GSSAPI bind when set
	KerberosKeytab string // path to keytab file
	KerberosCCache string // path to credential cache
	KerberosConfig string // path to krb5.conf

	// TLS settings
	StartTLS           bool // upgrade a plain connection with StartTLS
	InsecureSkipVerify bool // skip server certificate verification

	// Schema settings
	UserFilter      string // filter selecting user entries
	UsernameAttr    string // attribute carrying the login name
	GroupFilter     string // filter selecting group entries
	GroupNameAttr   string // attribute carrying the group name
	GroupMemberAttr string // attribute listing member DNs
	PosixMemberAttr string // attribute listing members by bare username
}

// DefaultConfig returns a config with the schema defaults for a mixed
// OpenLDAP/Active Directory deployment. Connection settings must still be
// provided by the caller.
func DefaultConfig() *Config {
	return &Config{
		Timeout:         30 * time.Second,
		UserFilter:      "(|(objectClass=person)(objectClass=posixAccount))",
		UsernameAttr:    "uid",
		GroupFilter:     "(|(objectClass=groupOfNames)(objectClass=posixGroup)(objectClass=group))",
		GroupNameAttr:   "cn",
		GroupMemberAttr: "member",
		PosixMemberAttr: "memberUid",
	}
}

// User is an immutable snapshot of a directory user entry from one query.
type User struct {
	DN       string
	Username string   // raw value of the username attribute (may carry @domain)
	First    string   // given name, truncated to the store limit
	Last     string   // surname, truncated to the store limit
	Email    string
	GroupDNs []string // DNs of groups the entry claims membership in
	SID      string   // decoded objectSid for AD-backed directories, else empty
}

// Group is an immutable snapshot of a directory group entry from one query.
type Group struct {
	DN           string
	Name         string
	MemberDNs    []string // members referenced by DN (users or groups)
	PosixMembers []string // members referenced by bare username (legacy schema)
}

// SearchScope selects between a base-object lookup and a subtree search.
type SearchScope int

const (
	ScopeBase SearchScope = iota
	ScopeSubtree
)

// Directory is the query contract the reconciliation engine consumes. It
// hides the wire protocol entirely: implementations return normalized
// records and report transport failures as *UnavailableError.
type Directory interface {
	// FindUsers returns users matching pattern. When byDN is set the
	// pattern is a distinguished name; otherwise it is a glob over the
	// username attribute ('*' wildcards, anchored, case-insensitive).
	FindUsers(ctx context.Context, pattern string, byDN bool, scope SearchScope) ([]User, error)

	// FindGroups returns groups matching pattern with the same pattern
	// semantics. A byDN lookup with ScopeSubtree also returns every group
	// whose DN is hierarchically below the target (descendant lookup).
	FindGroups(ctx context.Context, pattern string, byDN bool, scope SearchScope) ([]Group, error)

	// FindUsersOfGroup resolves the DN-based members of the group at dn
	// that are user entries.
	FindUsersOfGroup(ctx context.Context, dn string) ([]User, error)

	// FindGroupsOfGroup resolves the DN-based members of the group at dn
	// that are themselves group entries (declared nesting).
	FindGroupsOfGroup(ctx context.Context, dn string) ([]Group, error)
}
