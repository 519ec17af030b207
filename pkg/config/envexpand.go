package config

import "os"

// ExpandEnv expands environment variables in YAML content before it is
// parsed. Supports both ${VAR} and $VAR (standard shell-style). Missing
// variables expand to empty string; Validate catches required fields
// that end up empty.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
