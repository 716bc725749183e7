package pipeline

import (
	"errors"
	"fmt"
)

// ErrFatalConfiguration matches every FatalConfigurationError via errors.Is.
var ErrFatalConfiguration = errors.New("fatal configuration error")

// FatalConfigurationError reports that no tier produced a usable symbol list.
// It is the only error that aborts a run.
type FatalConfigurationError struct {
	Tier   Tier
	Reason string
	Cause  error
}

func (e *FatalConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (tier %s): %s: %v", ErrFatalConfiguration, e.Tier, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s (tier %s): %s", ErrFatalConfiguration, e.Tier, e.Reason)
}

func (e *FatalConfigurationError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrFatalConfiguration) hold.
func (e *FatalConfigurationError) Is(target error) bool {
	return target == ErrFatalConfiguration
}

func fatal(tier Tier, reason string, cause error) error {
	return &FatalConfigurationError{Tier: tier, Reason: reason, Cause: cause}
}
