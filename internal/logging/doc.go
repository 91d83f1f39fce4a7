// Package logging provides structured logging utilities for jmapgate.
//
// All components log through log/slog. This package keeps attribute names
// consistent and makes sure that credentials and user identifiers never end
// up in the output in clear text.
//
// # Usage Patterns
//
// Create a logger with standard attributes:
//
//	logger := logging.WithOperation(slog.Default(), "auth.continue")
//	logger.Info("factor accepted",
//	    logging.Provider("static"),
//	    logging.Status(logging.StatusSuccess))
//
// Sanitize sensitive data before logging:
//
//	logger.Debug("continuation rejected",
//	    logging.UserHash(username),
//	    logging.LoginID(token))
//
// # Security Considerations
//
//   - Usernames are hashed to prevent PII leakage while allowing correlation
//   - Session tokens and login ids are reduced to their length
package logging
