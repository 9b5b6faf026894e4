package tenant

import (
	"regexp"
	"strings"
)

var taxIDPattern = regexp.MustCompile(`^[A-ZÑ&]{3,4}[0-9]{6}[A-Z0-9]{3}$`)

// ValidateTaxID checks an optional Mexican RFC. Empty is valid.
func ValidateTaxID(rfc string) error {
	rfc = strings.ToUpper(strings.TrimSpace(rfc))
	if rfc == "" {
		return nil
	}
	if !taxIDPattern.MatchString(rfc) {
		return invalidName("El RFC no tiene un formato válido")
	}
	return nil
}

func invalidName(msg string) error {
	return &ValidationError{Message: msg}
}

// ValidationError is a user-facing input error. It matches ErrInvalidName.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Is makes errors.Is(err, ErrInvalidName) hold for every ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidName }
