package directory

import (
	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
)

// extractSID decodes the binary objectSid attribute of an entry to its
// S-1-5-21-... string form. Directories without AD schema simply lack the
// attribute; malformed values yield an empty string rather than an error.
func extractSID(entry *ldap.Entry) string {
	raw := entry.GetRawAttributeValue("objectSid")
	if len(raw) < 8 {
		return ""
	}
	// Revision byte, sub-authority count, 6-byte authority, then 4 bytes per
	// sub-authority.
	if len(raw) < 8+4*int(raw[1]) {
		return ""
	}
	sid := objectsid.Decode(raw)
	return sid.String()
}
