package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// CompileRegex compiles a rule regex pattern. Patterns are case-insensitive
// and match anywhere in the value, mirroring a bare RegExp test.
func CompileRegex(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return re, nil
}

// Match tests a single pattern against a string value.
// literal: byte equality. regex: case-insensitive contains match.
// glob: ** spans segments, * stops at '/', ? is one character.
// Invalid regex patterns are rejected at load time; a compile failure here
// (pattern bypassed the loader) fails the match.
func Match(kind PatternKind, pattern, value string) bool {
	switch kind {
	case KindRegex:
		re, err := CompileRegex(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	case KindGlob:
		ok, err := doublestar.Match(pattern, value)
		if err != nil {
			return false
		}
		return ok
	default: // KindLiteral or empty
		return pattern == value
	}
}

// ExtractField resolves a dotted path like "a.b" through nested tool-input
// objects. Returns the string form of the value and true when present.
// Intermediate non-objects, missing keys, and non-scalar leaves all yield
// absent; the engine treats unknown shapes as "field not there".
func ExtractField(input map[string]any, path string) (string, bool) {
	if input == nil {
		return "", false
	}

	parts := strings.Split(path, ".")
	var cur any = input
	for _, part := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = obj[part]
		if !ok {
			return "", false
		}
	}

	switch v := cur.(type) {
	case string:
		return v, true
	case bool:
		return fmt.Sprintf("%v", v), true
	case float64:
		// JSON numbers decode as float64; render integers without a fraction.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v)), true
		}
		return fmt.Sprintf("%v", v), true
	case int:
		return fmt.Sprintf("%d", v), true
	case int64:
		return fmt.Sprintf("%d", v), true
	case nil:
		return "", false
	default:
		// Arrays and objects are not matchable values.
		return "", false
	}
}
