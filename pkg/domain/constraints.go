package domain

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// MaxLength rejects string values longer than n runes.
func MaxLength(n int) PropertyConstraint {
	return PropertyConstraintFunc(func(_ EntityReader, prop PropertyMetadata, value any) error {
		s, ok := value.(string)
		if !ok {
			return nil
		}
		if l := utf8.RuneCountInString(s); l > n {
			return fmt.Errorf("%s is %d characters long, at most %d allowed", prop.Name, l, n)
		}
		return nil
	})
}

// Matches rejects string values that do not match re.
func Matches(re *regexp.Regexp) PropertyConstraint {
	return PropertyConstraintFunc(func(_ EntityReader, prop PropertyMetadata, value any) error {
		s, ok := value.(string)
		if !ok || re.MatchString(s) {
			return nil
		}
		return fmt.Errorf("%s value %q does not match %s", prop.Name, s, re)
	})
}

// IsEmptyValue reports whether a property value counts as missing: nil or the
// empty string.
func IsEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
