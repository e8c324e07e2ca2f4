// Package flag checks candidate submissions against a challenge flag.
package flag

import (
	"fmt"
	"regexp"
	"strings"
)

// Type selects how a flag's content is compared.
type Type string

const (
	TypeStatic Type = "static"
	TypeRegex  Type = "regex"
)

// Flag is a single accepted answer.
type Flag struct {
	Content       string
	Type          Type
	CaseSensitive bool

	re *regexp.Regexp
}

// New builds a flag. An empty typ means TypeStatic. A regex flag matches at
// the start of the submission and fails here if the pattern does not compile.
func New(content string, typ Type, caseSensitive bool) (*Flag, error) {
	if typ == "" {
		typ = TypeStatic
	}
	f := &Flag{Content: content, Type: typ, CaseSensitive: caseSensitive}

	switch typ {
	case TypeStatic:
		if !caseSensitive {
			f.Content = strings.ToLower(content)
		}
	case TypeRegex:
		pattern := `^(?:` + content + `)`
		if !caseSensitive {
			pattern = `(?i)` + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile flag pattern %q: %w", content, err)
		}
		f.re = re
	default:
		return nil, fmt.Errorf("unknown flag type %q", typ)
	}
	return f, nil
}

// Check reports whether value is accepted by the flag.
func (f *Flag) Check(value string) bool {
	if f.Type == TypeRegex {
		return f.re.MatchString(value)
	}
	if !f.CaseSensitive {
		value = strings.ToLower(value)
	}
	return f.Content == value
}

// Any reports whether value is accepted by at least one of flags.
func Any(flags []*Flag, value string) bool {
	for _, f := range flags {
		if f.Check(value) {
			return true
		}
	}
	return false
}
