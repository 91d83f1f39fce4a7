package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// Common log attribute keys for consistent naming across the codebase.
const (
	KeyOperation = "operation"
	KeyProvider  = "provider"
	KeyMethod    = "jmap_method"
	KeyCallID    = "call_id"
	KeyUserHash  = "user_hash"
	KeyLoginID   = "login_id"
	KeyRequestID = "request_id"
	KeyTraceID   = "trace_id"
	KeyDuration  = "duration"
	KeyStatus    = "status"
	KeyError     = "error"
)

// Status values for consistent logging.
// Note: These are intentionally duplicated from instrumentation package
// to avoid circular dependencies (instrumentation imports logging).
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// WithOperation returns a logger with the operation attribute set.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String(KeyOperation, operation))
}

// WithProvider returns a logger with the provider attribute set.
func WithProvider(logger *slog.Logger, provider string) *slog.Logger {
	return logger.With(slog.String(KeyProvider, provider))
}

// WithRequestID returns a logger tagged with the request id.
func WithRequestID(logger *slog.Logger, id string) *slog.Logger {
	return logger.With(slog.String(KeyRequestID, id))
}

// Operation returns a slog attribute for the operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Provider returns a slog attribute for the provider name.
func Provider(name string) slog.Attr {
	return slog.String(KeyProvider, name)
}

// Method returns a slog attribute for a JMAP method name.
func Method(method string) slog.Attr {
	return slog.String(KeyMethod, method)
}

// CallID returns a slog attribute for a JMAP call id.
func CallID(id string) slog.Attr {
	return slog.String(KeyCallID, id)
}

// Status returns a slog attribute for the status.
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// Err returns a slog attribute for an error.
// If err is nil, returns an empty Group attribute that will be omitted from output.
// This allows safely passing Err(maybeNilErr) without adding empty attributes.
//
// Usage:
//
//	logger.Info("operation", logging.Err(err))  // Safe even if err is nil
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// AnonymizeUser returns a hashed representation of a username for logging purposes.
// This allows correlation of log entries without exposing PII.
func AnonymizeUser(username string) string {
	if username == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(username))
	return "user:" + hex.EncodeToString(hash[:8])
}

// UserHash returns a slog attribute with the anonymized username.
//
// Usage:
//
//	logger.Info("login started", logging.UserHash(username))
func UserHash(username string) slog.Attr {
	return slog.String(KeyUserHash, AnonymizeUser(username))
}

// SanitizeToken returns a masked version of a token for logging.
// It returns a length indicator without exposing any token content.
func SanitizeToken(token string) string {
	if token == "" {
		return "<empty>"
	}
	return fmt.Sprintf("[token:%d chars]", len(token))
}

// LoginID returns a slog attribute carrying a sanitized continuation token.
func LoginID(token string) slog.Attr {
	return slog.String(KeyLoginID, SanitizeToken(token))
}

// ExtractDomain extracts the domain part from a username that looks like an
// email address. It returns "" for anything else.
func ExtractDomain(username string) string {
	if username == "" {
		return ""
	}
	parts := strings.Split(username, "@")
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// Domain returns a slog attribute for the user domain (lower cardinality than the full username).
func Domain(username string) slog.Attr {
	return slog.String("user_domain", ExtractDomain(username))
}
