package interfaces

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MinSlugLength = 3
	MaxSlugLength = 50
	MaxNameLength = 200
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]{3,50}$`)

// ValidateSlug checks the tenant slug format: 3-50 characters of lowercase
// letters, digits and hyphens.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("%w: slug must be %d-%d characters of a-z, 0-9 and '-'", ErrValidation, MinSlugLength, MaxSlugLength)
	}
	return nil
}

// ValidateDisplayName checks the tenant display name.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return fmt.Errorf("%w: name must be at most %d characters", ErrValidation, MaxNameLength)
	}
	return nil
}
