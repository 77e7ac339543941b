package types

import (
	"fmt"
	"strings"
)

// EnvVarSpec is a discriminated description of one compose-style
// environment variable entry, recognizing the forms:
//
//	NAME                 - required, no default
//	NAME=value           - fixed value, not overridable via interpolation
//	NAME=${VAR}          - required, no default
//	NAME=${VAR:-default} - optional, with a default
//	NAME=${VAR:-}        - empty default means required
type EnvVarSpec struct {
	Name       string
	HasDefault bool
	Default    string
	Required   bool
}

// ParseEnvVarSpec parses one entry from a ServiceDefinition.Env-style list
// entry into its discriminated form. It has no grounding in a single pack
// source file (see DESIGN.md); it follows the five forms named above.
func ParseEnvVarSpec(entry string) EnvVarSpec {
	name, rhs, hasEquals := strings.Cut(entry, "=")
	if !hasEquals {
		return EnvVarSpec{Name: name, Required: true}
	}

	if strings.HasPrefix(rhs, "${") && strings.HasSuffix(rhs, "}") {
		inner := rhs[2 : len(rhs)-1]
		varName, def, hasDefaultMarker := strings.Cut(inner, ":-")
		if !hasDefaultMarker {
			return EnvVarSpec{Name: varName, Required: true}
		}
		if def == "" {
			return EnvVarSpec{Name: varName, Required: true}
		}
		return EnvVarSpec{Name: varName, HasDefault: true, Default: def}
	}

	return EnvVarSpec{Name: name, HasDefault: true, Default: rhs}
}

// ValidateEnv parses every entry of a ServiceDefinition's Env map through
// ParseEnvVarSpec and rejects names that wouldn't survive the round trip:
// empty, or not a plain environment-variable identifier. Values may use
// the `${VAR}` / `${VAR:-default}` interpolation forms; ValidateEnv only
// checks the name that comes out the other side, it does not expand them.
func ValidateEnv(env map[string]string) error {
	for k, v := range env {
		entry := k
		if v != "" {
			entry = k + "=" + v
		}
		parsed := ParseEnvVarSpec(entry)
		if parsed.Name == "" {
			return fmt.Errorf("env var with empty name (entry %q)", entry)
		}
		if !isEnvVarName(parsed.Name) {
			return fmt.Errorf("invalid env var name %q", parsed.Name)
		}
	}
	return nil
}

// isEnvVarName reports whether name is a conventional [A-Za-z_][A-Za-z0-9_]*
// environment variable identifier.
func isEnvVarName(name string) bool {
	for i, r := range name {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
