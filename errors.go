package depresolver

import "errors"

// Error taxonomy for the dependency resolver.
var (
	// Configuration faults. Reconfiguration calls that hit these leave the
	// dependency's prior state untouched.
	ErrInvalidFilterSyntax        = errors.New("invalid LDAP filter syntax")
	ErrUnknownPolicy              = errors.New("unrecognised binding policy literal")
	ErrUnloadableComparator       = errors.New("comparator class cannot be resolved")
	ErrUnloadableSpecification    = errors.New("specification cannot be resolved")
	ErrUnsupportedReconfiguration = errors.New("changing binding policy or bundle context after start is not supported")

	// Programmer faults, propagated to the offending interceptor.
	ErrIllegalPropertyChange = errors.New("cannot change service.id, service.pid or instance.name")

	// Lifecycle faults.
	ErrNotStarted    = errors.New("dependency has not been started")
	ErrAlreadyBroken = errors.New("dependency is broken and cannot be reconfigured")
)
