// Package vault reads secrets the router needs at startup, such as the
// Redis password, from a HashiCorp Vault KV v2 engine.
package vault

import (
	"errors"
	"fmt"
)

// Common errors for Vault operations.
var (
	// ErrSecretNotFound indicates the secret was not found.
	ErrSecretNotFound = errors.New("vault: secret not found")

	// ErrKeyNotFound indicates the secret exists but lacks the requested key.
	ErrKeyNotFound = errors.New("vault: key not found in secret")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("vault: invalid configuration")
)

// VaultError represents a Vault-specific error with additional context.
type VaultError struct {
	Op      string // Operation that failed
	Path    string // Secret path if applicable
	Message string // Additional message
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *VaultError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Path != "" {
		return fmt.Sprintf("vault %s on path %s: %s", e.Op, e.Path, msg)
	}
	return fmt.Sprintf("vault %s: %s", e.Op, msg)
}

// Unwrap returns the underlying error.
func (e *VaultError) Unwrap() error {
	return e.Err
}

// NewVaultError creates a new VaultError.
func NewVaultError(op, path, message string) *VaultError {
	return &VaultError{Op: op, Path: path, Message: message}
}

// NewVaultErrorWithCause creates a new VaultError wrapping cause.
func NewVaultErrorWithCause(op, path, message string, cause error) *VaultError {
	return &VaultError{Op: op, Path: path, Message: message, Err: cause}
}
