package config

import (
	"os"
	"regexp"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv substitutes ${VAR_NAME} references in engine configuration with
// environment variable values. Only the braced form is expanded; bare $
// characters pass through untouched so regex patterns and passwords survive.
//
// Missing variables expand to the empty string; validation catches required
// fields left empty.
//
// Runbook files are never expanded: their {{ ... }} parameters are
// execution-time templates, not configuration.
func ExpandEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}
