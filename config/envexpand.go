package config

import (
	"os"
	"regexp"
)

// expansionPattern matches ${VAR} and ${VAR:-default} references in manifest
// env values.
var expansionPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:-default} references with values
// from the process environment. An unset or empty variable falls back to the
// default when one is given, otherwise to the empty string; expansion itself
// never fails, so a missing required value surfaces at downstream validation.
func ExpandEnv(input string) string {
	return expansionPattern.ReplaceAllStringFunc(input, func(ref string) string {
		groups := expansionPattern.FindStringSubmatch(ref)
		name, fallback := groups[1], groups[2]

		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}
