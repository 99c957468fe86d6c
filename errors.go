package pluginhost

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Sentinel errors for plugin loading and construction.
// These errors can be used with errors.Is() for error checking.
var (
	// ErrInterfaceMismatch indicates that a candidate implementation declares an
	// interface identifier different from the one the host was compiled against.
	ErrInterfaceMismatch = errors.New("plugin interface mismatch")

	// ErrMalformedIdentifier indicates that an interface identifier is missing
	// or does not follow the <namespace>/<major>.<minor> format.
	ErrMalformedIdentifier = errors.New("malformed interface identifier")

	// ErrInvalidConstruction indicates that a plugin was constructed without the
	// fields its construction path requires (e.g. an empty name or no factory).
	ErrInvalidConstruction = errors.New("invalid plugin construction")

	// ErrOwnerClosed indicates that a plugin instance was used after the manager
	// that owns it has been torn down.
	ErrOwnerClosed = errors.New("owning plugin manager is closed")

	// ErrManagerClosed indicates an operation on a manager that has been closed.
	ErrManagerClosed = errors.New("plugin manager is closed")

	// ErrPluginNotFound indicates the requested plugin was not found in the manager.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrAlreadyRegistered indicates that a plugin name or alias is already taken.
	ErrAlreadyRegistered = errors.New("plugin already registered")

	// ErrInUse indicates that a plugin cannot be unloaded because another loaded
	// plugin depends on it.
	ErrInUse = errors.New("plugin is in use")

	// ErrDependencyCycle indicates that plugin dependencies form a cycle.
	ErrDependencyCycle = errors.New("plugin dependency cycle")

	// ErrPolicyDenied indicates that the load policy refused a plugin.
	ErrPolicyDenied = errors.New("plugin denied by load policy")
)

// Error kinds categorize errors by their type.
const (
	KindInterfaceMismatch   = "interface_mismatch"
	KindValidation          = "validation"
	KindInvalidConstruction = "invalid_construction"
	KindOwnerClosed         = "owner_closed"
	KindNotFound            = "not_found"
	KindConflict            = "conflict"
	KindDependency          = "dependency"
	KindPermission          = "permission"
	KindInternal            = "internal"
)

// Error is a structured error type that wraps underlying errors with
// additional context about the operation that failed and the category of error.
//
// Error implements the error interface and supports error unwrapping,
// making it compatible with errors.Is() and errors.As().
//
// Example usage:
//
//	err := &Error{
//		Op:   "Manager.Load",
//		Kind: KindInterfaceMismatch,
//		Err:  ErrInterfaceMismatch,
//	}
type Error struct {
	// Op is the operation that failed (e.g., "Manager.Load", "Contract.Check").
	Op string

	// Kind categorizes the error (e.g., KindNotFound, KindInterfaceMismatch).
	Kind string

	// Err is the underlying error that caused this error.
	Err error

	// Context provides additional context about the error (optional), such as
	// the plugin name or the expected and declared identifiers.
	Context map[string]any
}

// Error implements the error interface, returning a formatted error message
// that includes the operation, kind, and underlying error.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pluginhost: %s: %s", e.Op, e.Kind)
	}

	if len(e.Context) > 0 {
		return fmt.Sprintf("pluginhost: %s (%s): %v [context: %+v]", e.Op, e.Kind, e.Err, e.Context)
	}

	return fmt.Sprintf("pluginhost: %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches either another *Error with the same Kind (and Op, when the target
// sets one) or the wrapped error.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if t, ok := target.(*Error); ok {
		if t.Kind != "" && e.Kind == t.Kind {
			if t.Op == "" || e.Op == t.Op {
				return true
			}
		}
	}

	return errors.Is(e.Err, target)
}

// WithContext returns a copy of the error with the provided context merged in.
func (e *Error) WithContext(ctx map[string]any) *Error {
	newErr := *e
	merged := make(map[string]any, len(e.Context)+len(ctx))
	for k, v := range e.Context {
		merged[k] = v
	}
	for k, v := range ctx {
		merged[k] = v
	}
	newErr.Context = merged
	return &newErr
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// NewInterfaceMismatchError creates a new Error with KindInterfaceMismatch.
func NewInterfaceMismatchError(op, expected, declared string) *Error {
	return &Error{
		Op:   op,
		Kind: KindInterfaceMismatch,
		Err:  ErrInterfaceMismatch,
		Context: map[string]any{
			"expected": expected,
			"declared": declared,
		},
	}
}

// NewValidationError creates a new Error with KindValidation.
func NewValidationError(op string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: KindValidation,
		Err:  err,
	}
}

// NewInvalidConstructionError creates a new Error with KindInvalidConstruction.
func NewInvalidConstructionError(op string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: KindInvalidConstruction,
		Err:  err,
	}
}

// NewNotFoundError creates a new Error with KindNotFound.
func NewNotFoundError(op string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: KindNotFound,
		Err:  err,
	}
}

// NewConflictError creates a new Error with KindConflict.
func NewConflictError(op string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: KindConflict,
		Err:  err,
	}
}

// NewOwnerClosedError creates a new Error with KindOwnerClosed.
func NewOwnerClosedError(op string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: KindOwnerClosed,
		Err:  err,
	}
}

// NewDependencyError creates a new Error with KindDependency.
func NewDependencyError(op string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: KindDependency,
		Err:  err,
	}
}

// NewPermissionError creates a new Error with KindPermission.
func NewPermissionError(op string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: KindPermission,
		Err:  err,
	}
}

// NewInternalError creates a new Error with KindInternal.
func NewInternalError(op string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: KindInternal,
		Err:  err,
	}
}

// CloseWithLog attempts to close the provided resource and logs any error
// at warning level. This is intended for use in defer statements to ensure
// cleanup errors are not silently ignored.
//
// If logger is nil, slog.Default() is used.
//
// Example usage:
//
//	defer pluginhost.CloseWithLog(instance, logger, "plugin instance")
func CloseWithLog(closer io.Closer, logger *slog.Logger, name string) {
	if closer == nil {
		return
	}

	if logger == nil {
		logger = slog.Default()
	}

	if err := closer.Close(); err != nil {
		logger.Warn("failed to close resource",
			"resource", name,
			"error", err)
	}
}
