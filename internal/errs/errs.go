// Package errs defines the error-kind taxonomy from the engine's error
// handling design: configuration, local I/O, protocol, remote-resource,
// and secrets-unlock failures each get a sentinel so callers can branch
// with errors.Is without string-matching messages.
package errs

import "errors"

var (
	// ErrConfig marks a configuration/precondition failure: missing
	// required field, invalid compression name, cull without
	// expire_day. Fatal; callers must abort before any I/O.
	ErrConfig = errors.New("configuration error")

	// ErrLocalIO marks a failure opening/reading/writing a ctfile or
	// cache entry. Fatal, except a shrinking/growing local file mid
	// archive, which is tolerated with a warning rather than this error.
	ErrLocalIO = errors.New("local I/O error")

	// ErrProtocol marks an XML parse/validation failure, an unknown
	// root element, or a version mismatch. Fatal.
	ErrProtocol = errors.New("protocol error")

	// ErrRemoteResource marks the server reporting that a tag does not
	// exist. Fatal for EXTRACT/LIST; expected (and handled) for ARCHIVE.
	ErrRemoteResource = errors.New("remote resource error")

	// ErrSecretsUnlock marks a downloaded secrets file failing to
	// unlock with the configured passphrase.
	ErrSecretsUnlock = errors.New("secrets unlock error")

	// ErrPoolExhausted is not a failure: it signals the caller should
	// yield (state WAITING_TRANS) and retry once a TX is released.
	ErrPoolExhausted = errors.New("transaction pool exhausted")
)
