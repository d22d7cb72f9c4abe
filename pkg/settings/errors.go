package settings

import "github.com/fastapiex/settings-go/internal/errs"

// The four error kinds surfaced by the runtime. Registration errors are
// raised synchronously at declaration time and never poison the registry;
// validation errors during a resolve are recoverable to a default; a miss
// becomes a ResolveError only when no default exists.
type (
	RegistrationError  = errs.RegistrationError
	ValidationError    = errs.ValidationError
	ResolveError       = errs.ResolveError
	ConfigurationError = errs.ConfigurationError
)
