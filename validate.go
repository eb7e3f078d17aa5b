package volcache

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxKeyLength is the maximum key length in characters.
	DefaultMaxKeyLength = 512

	// LegacyMaxKeyLength is the key limit of earlier releases.
	LegacyMaxKeyLength = 255
)

var errNoPaths = errors.New("path validation: at least one directory or file path is required")

// ValidatePaths checks that at least one path was given.
func ValidatePaths(paths []string) error {
	if len(paths) == 0 {
		return newError(KindValidation, "", "", errNoPaths)
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			return newError(KindValidation, "", "", errors.New("path validation: paths cannot be empty"))
		}
	}
	return nil
}

// ValidateKey checks that key is non-empty, at most maxLen characters long
// and free of commas. A maxLen of zero or less uses DefaultMaxKeyLength.
func ValidateKey(key string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxKeyLength
	}
	if key == "" {
		return newError(KindValidation, "", key, errors.New("key validation: key cannot be empty"))
	}
	if utf8.RuneCountInString(key) > maxLen {
		return newError(KindValidation, "", key,
			fmt.Errorf("key validation: %s cannot be larger than %d characters", key, maxLen))
	}
	if strings.Contains(key, ",") {
		return newError(KindValidation, "", key,
			fmt.Errorf("key validation: %s cannot contain commas", key))
	}
	return nil
}
