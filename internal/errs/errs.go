// Package errs defines the error kinds surfaced by the settings runtime.
package errs

import "fmt"

// RegistrationError reports reserved-root misuse, duplicate incompatible
// declarations, and schema-assembly conflicts. Registrations that fail roll
// back and leave the registry untouched.
type RegistrationError struct {
	msg string
}

func Registrationf(format string, args ...any) *RegistrationError {
	return &RegistrationError{msg: fmt.Sprintf(format, args...)}
}

func (e *RegistrationError) Error() string { return e.msg }

// ValidationError reports that the effective view was rejected by a declared
// section schema.
type ValidationError struct {
	msg string
	err error
}

func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

func WrapValidation(err error) *ValidationError {
	return &ValidationError{msg: err.Error(), err: err}
}

func (e *ValidationError) Error() string { return e.msg }
func (e *ValidationError) Unwrap() error { return e.err }

// ResolveError reports a query miss that no default recovered.
type ResolveError struct {
	msg string
	err error
}

func Resolvef(format string, args ...any) *ResolveError {
	return &ResolveError{msg: fmt.Sprintf(format, args...)}
}

func WrapResolve(err error) *ResolveError {
	return &ResolveError{msg: err.Error(), err: err}
}

func (e *ResolveError) Error() string { return e.msg }
func (e *ResolveError) Unwrap() error { return e.err }

// ConfigurationError reports invalid runtime configuration: a reserved env
// prefix, a non-mapping settings file, or conflicting initialization.
type ConfigurationError struct {
	msg string
	err error
}

func Configurationf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}

func WrapConfiguration(err error) *ConfigurationError {
	return &ConfigurationError{msg: err.Error(), err: err}
}

func (e *ConfigurationError) Error() string { return e.msg }
func (e *ConfigurationError) Unwrap() error { return e.err }
