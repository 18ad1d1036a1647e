// Package query carries request options between the client and the endpoint.
// The client side normalizes loosely shaped options into one canonical query
// string; the server side decodes that string and renders it as parameterized
// SQL.
package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidIdentifier is returned for a schema, relation, column or
// function name that cannot be quoted into a statement.
var ErrInvalidIdentifier = errors.New("invalid identifier")

const (
	maxIdentifierLen = 128
	maxStringValue   = 65535
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// statementKeywords may never be used as a name, even quoted.
var statementKeywords = map[string]bool{
	"SELECT": true, "INSERT": true, "UPDATE": true, "DELETE": true,
	"DROP": true, "CREATE": true, "ALTER": true, "TRUNCATE": true,
	"EXEC": true, "EXECUTE": true, "UNION": true, "INTO": true,
	"FROM": true, "WHERE": true, "GRANT": true, "REVOKE": true,
}

// ValidateIdentifier checks that name is safe to quote into a statement.
// Errors wrap ErrInvalidIdentifier.
func ValidateIdentifier(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidIdentifier)
	case len(name) > maxIdentifierLen:
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidIdentifier, name, maxIdentifierLen)
	case !identifierRegex.MatchString(name):
		return fmt.Errorf("%w: %q must match [a-zA-Z_][a-zA-Z0-9_]*", ErrInvalidIdentifier, name)
	case statementKeywords[strings.ToUpper(name)]:
		return fmt.Errorf("%w: %q is a statement keyword", ErrInvalidIdentifier, name)
	}
	return nil
}

// ValidateIdentifiers validates names in order and returns the first error.
func ValidateIdentifiers(names []string) error {
	for _, name := range names {
		if err := ValidateIdentifier(name); err != nil {
			return err
		}
	}
	return nil
}

// cleanString drops NUL bytes, which no supported driver accepts inside a
// text parameter, and bounds the length of a filter value.
func cleanString(val string) (string, error) {
	val = strings.ReplaceAll(val, "\x00", "")
	if len(val) > maxStringValue {
		return "", fmt.Errorf("filter value longer than %d characters", maxStringValue)
	}
	return val, nil
}
