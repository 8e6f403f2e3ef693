// Package errorlog classifies import failures, decides retry eligibility and
// keeps a durable record of every failure.
//
// # Error Codes Reference
//
// Freeform messages returned by the remote system are mapped onto a category
// and a short code that operators can grep for in the error log.
//
// # Authentication (AUTH001-AUTH099)
//
//	AUTH001 - Credentials rejected
//	          Patterns: "access denied", "invalid credentials", "wrong login"
//	AUTH002 - Session expired
//	          Patterns: "session expired", "unauthorized", "authentication"
//
// # Permission (PERM001-PERM099)
//
//	PERM001 - Missing access rights
//	          Patterns: "access error", "not allowed", "permission", "forbidden"
//
// # Data Integrity (DATA001-DATA099)
//
//	DATA001 - Duplicate key
//	          Patterns: "duplicate key", "violates unique", "unique constraint", "already exists"
//	DATA002 - Missing reference
//	          Patterns: "foreign key", "missing dependency", "record does not exist"
//
// # Timeout (TMO001-TMO099)
//
//	TMO001 - Remote call timed out
//	         Patterns: "timeout", "timed out", "deadline exceeded"
//
// # Connection (CONN001-CONN099)
//
//	CONN001 - Remote unreachable
//	          Patterns: "connection refused", "connection reset", "broken pipe",
//	          "no such host", "network", "eof", "too many requests", "service unavailable"
//
// # Validation (VAL001-VAL099)
//
//	VAL001 - Required field missing
//	         Patterns: "required", "missing required"
//	VAL002 - Invalid value
//	         Patterns: "invalid", "wrong value", "validation", "not a valid"
//
// # Server (SRV001-SRV099)
//
//	SRV001 - Remote internal error
//	         Patterns: "server error", "internal error", "traceback", "bad gateway"
//
// # Default (ERR000)
//
//	ERR000 - Unclassified error
//
// Patterns are matched case-insensitively with strings.Contains and the first
// match wins, so specific patterns come before general ones.
package errorlog

import (
	"context"
	"errors"
	"strings"

	"github.com/JonMunkholm/erpseed/internal/core"
	"github.com/JonMunkholm/erpseed/internal/remote"
)

// Classification is the result of mapping an error onto the taxonomy.
type Classification struct {
	Category core.Category
	Code     string
	Summary  string
}

type errorPattern struct {
	pattern string
	class   Classification
}

var (
	authRejected = Classification{core.CategoryAuthentication, "AUTH001", "Credentials rejected"}
	authExpired  = Classification{core.CategoryAuthentication, "AUTH002", "Session expired"}
	permDenied   = Classification{core.CategoryPermission, "PERM001", "Missing access rights"}
	dataDup      = Classification{core.CategoryDataIntegrity, "DATA001", "Duplicate key"}
	dataRef      = Classification{core.CategoryDataIntegrity, "DATA002", "Missing reference"}
	timedOut     = Classification{core.CategoryTimeout, "TMO001", "Remote call timed out"}
	unreachable  = Classification{core.CategoryConnection, "CONN001", "Remote unreachable"}
	valRequired  = Classification{core.CategoryValidation, "VAL001", "Required field missing"}
	valInvalid   = Classification{core.CategoryValidation, "VAL002", "Invalid value"}
	serverFault  = Classification{core.CategoryServerError, "SRV001", "Remote internal error"}

	unclassified = Classification{core.CategoryUnknown, "ERR000", "Unclassified error"}
)

// errorPatterns is ordered: credentials before "invalid", timeouts before
// connection failures, integrity before validation.
var errorPatterns = []errorPattern{
	// Authentication
	{"access denied", authRejected},
	{"invalid credentials", authRejected},
	{"wrong login", authRejected},
	{"session expired", authExpired},
	{"unauthorized", authExpired},
	{"authentication", authExpired},

	// Permission
	{"access error", permDenied},
	{"not allowed", permDenied},
	{"permission", permDenied},
	{"forbidden", permDenied},

	// Data integrity
	{"duplicate key", dataDup},
	{"violates unique", dataDup},
	{"unique constraint", dataDup},
	{"already exists", dataDup},
	{"foreign key", dataRef},
	{"missing dependency", dataRef},
	{"record does not exist", dataRef},

	// Timeout
	{"timeout", timedOut},
	{"timed out", timedOut},
	{"deadline exceeded", timedOut},

	// Connection
	{"connection refused", unreachable},
	{"connection reset", unreachable},
	{"broken pipe", unreachable},
	{"no such host", unreachable},
	{"network", unreachable},
	{"too many requests", unreachable},
	{"service unavailable", unreachable},
	{"eof", unreachable},

	// Validation
	{"missing required", valRequired},
	{"required", valRequired},
	{"wrong value", valInvalid},
	{"not a valid", valInvalid},
	{"validation", valInvalid},
	{"invalid", valInvalid},

	// Server
	{"server error", serverFault},
	{"internal error", serverFault},
	{"traceback", serverFault},
	{"bad gateway", serverFault},
}

// Lookup maps a raw message onto the first matching classification.
func Lookup(message string) Classification {
	msg := strings.ToLower(message)
	for _, ep := range errorPatterns {
		if strings.Contains(msg, ep.pattern) {
			return ep.class
		}
	}
	return unclassified
}

// Categorize maps a raw remote error message onto a category.
func Categorize(message string) core.Category {
	return Lookup(message).Category
}

// Classify maps an error onto the taxonomy. Typed remote errors decide the
// category directly; generic server errors and untyped errors fall back to
// message patterns.
func Classify(err error) Classification {
	if err == nil {
		return unclassified
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, remote.ErrTimeout):
		return timedOut
	case errors.Is(err, context.Canceled):
		return unclassified
	case errors.Is(err, remote.ErrConnection):
		return unreachable
	case errors.Is(err, remote.ErrAuthentication):
		if c := Lookup(remote.Message(err)); c.Category == core.CategoryAuthentication {
			return c
		}
		return authRejected
	case errors.Is(err, remote.ErrPermission):
		return permDenied
	case errors.Is(err, remote.ErrDataIntegrity):
		if c := Lookup(remote.Message(err)); c.Category == core.CategoryDataIntegrity {
			return c
		}
		return dataDup
	case errors.Is(err, remote.ErrValidation):
		if c := Lookup(remote.Message(err)); c.Category == core.CategoryValidation {
			return c
		}
		return valInvalid
	case errors.Is(err, remote.ErrServer):
		// The server wraps every exception the same way; the message may
		// still reveal a more specific cause.
		if c := Lookup(remote.Message(err)); c.Category != core.CategoryUnknown {
			return c
		}
		return serverFault
	}

	return Lookup(err.Error())
}
