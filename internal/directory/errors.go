package directory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrorCategory classifies directory errors for logging and connection
// lifecycle decisions.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// UnavailableError reports a transport or protocol failure talking to the
// directory. It aborts the whole sync/import request: the engine performs no
// internal retries, the caller decides whether to retry.
type UnavailableError struct {
	Op    string // the operation that failed
	Cause error
}

func (e *UnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("directory unavailable during %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("directory unavailable during %s", e.Op)
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// NewUnavailableError wraps err with operation context. A nil err yields nil.
func NewUnavailableError(op string, err error) error {
	if err == nil {
		return nil
	}
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		return err
	}
	return &UnavailableError{Op: op, Cause: err}
}

// IsUnavailable reports whether err (anywhere in its chain) is a directory
// communication failure.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}

// isNoSuchObject reports a base-object lookup miss, which is an empty result
// rather than an outage.
func isNoSuchObject(err error) bool {
	return ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject)
}

// Categorize maps an error onto an ErrorCategory.
func Categorize(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		switch ldapErr.ResultCode {
		case ldap.LDAPResultInvalidCredentials,
			ldap.LDAPResultInappropriateAuthentication,
			ldap.LDAPResultStrongAuthRequired:
			return ErrorCategoryAuthentication
		case ldap.LDAPResultNoSuchObject,
			ldap.LDAPResultNoSuchAttribute:
			return ErrorCategoryNotFound
		case ldap.LDAPResultServerDown,
			ldap.LDAPResultUnavailable,
			ldap.LDAPResultBusy,
			ldap.LDAPResultTimeLimitExceeded:
			return ErrorCategoryServer
		case ldap.LDAPResultConnectError,
			ldap.LDAPResultProtocolError:
			return ErrorCategoryConnection
		default:
			return ErrorCategoryUnknown
		}
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "connection"),
		strings.Contains(errStr, "network"),
		strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "broken pipe"),
		strings.Contains(errStr, "connection reset"):
		return ErrorCategoryConnection
	case strings.Contains(errStr, "credentials"),
		strings.Contains(errStr, "authentication"):
		return ErrorCategoryAuthentication
	default:
		return ErrorCategoryUnknown
	}
}

// isConnectionFatal reports whether an error indicates the cached connection
// should be invalidated so the next request dials fresh.
func isConnectionFatal(err error) bool {
	switch Categorize(err) {
	case ErrorCategoryConnection, ErrorCategoryServer:
		return true
	default:
		return ldap.IsErrorWithCode(err, ldap.LDAPResultServerDown)
	}
}
