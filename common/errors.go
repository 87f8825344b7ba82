package common

import (
	"errors"
	"fmt"
)

// Sentinel errors for VPN operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Failure taxonomy.
	ErrLaunchFailure         = errors.New("tunnel process could not be started")
	ErrUnsupportedProtocol   = errors.New("unsupported connection type")
	ErrAuthenticationFailure = errors.New("authentication failed")
	ErrEngineFailure         = errors.New("firewall engine failure")
	ErrCancelled             = errors.New("operation cancelled")
	ErrProviderFailure       = errors.New("provider failure")

	// Connection errors.
	ErrNotConnected      = errors.New("no active connection")
	ErrConnectInProgress = errors.New("connect already in progress")
	ErrDialInProgress    = errors.New("auto dial already in progress")
	ErrNoProviders       = errors.New("no providers registered")
	ErrNotInitialized    = errors.New("provider not initialized")

	// Profile errors.
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidConfig   = errors.New("invalid configuration file")
	ErrDuplicateName   = errors.New("profile name already exists")
	ErrInvalidProfile  = errors.New("invalid profile data")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")
	ErrEncryption          = errors.New("encryption error")
	ErrDecryption          = errors.New("decryption error")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")
)

// LaunchError reports that the tunnel binary could not be started.
type LaunchError struct {
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == ErrLaunchFailure }

// UnsupportedProtocolError names the connection type no provider claimed.
type UnsupportedProtocolError struct {
	Type fmt.Stringer
}

func (e *UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("no provider supports %v", e.Type)
}

func (e *UnsupportedProtocolError) Is(target error) bool { return target == ErrUnsupportedProtocol }

// AuthenticationError carries the rejection detail reported by the provider.
type AuthenticationError struct {
	Provider string
	Message  string
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return e.Provider + ": authentication failed"
	}
	return fmt.Sprintf("%s: authentication failed: %s", e.Provider, e.Message)
}

func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthenticationFailure }

// EngineError is a non-zero result code returned by the firewall engine.
type EngineError struct {
	Op   string
	Code int
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("firewall engine %s: result code %d", e.Op, e.Code)
}

func (e *EngineError) Is(target error) bool { return target == ErrEngineFailure }

// ProviderError wraps a provider specific failure.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProviderFailure }

// NewProviderError builds a ProviderError from a message.
func NewProviderError(provider, format string, args ...any) error {
	return &ProviderError{Provider: provider, Err: fmt.Errorf(format, args...)}
}

// FailureKind is the taxonomy member an error belongs to.
type FailureKind int

const (
	KindNone FailureKind = iota
	KindAuthentication
	KindEngine
	KindLaunch
	KindUnsupportedProtocol
	KindCancelled
	KindProvider
	KindOther
)

// String returns the string representation of the kind.
func (k FailureKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAuthentication:
		return "authentication"
	case KindEngine:
		return "engine"
	case KindLaunch:
		return "launch"
	case KindUnsupportedProtocol:
		return "unsupported_protocol"
	case KindCancelled:
		return "cancelled"
	case KindProvider:
		return "provider"
	default:
		return "other"
	}
}

// Classify returns the most specific taxonomy member found in err's chain.
// A ProviderError wrapping an authentication failure classifies as
// authentication.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuthenticationFailure):
		return KindAuthentication
	case errors.Is(err, ErrEngineFailure):
		return KindEngine
	case errors.Is(err, ErrLaunchFailure):
		return KindLaunch
	case errors.Is(err, ErrUnsupportedProtocol):
		return KindUnsupportedProtocol
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrProviderFailure):
		return KindProvider
	default:
		return KindOther
	}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
