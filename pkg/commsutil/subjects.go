package commsutil

import (
	"strings"
)

// Default COMMS subjects.
const (
	DefaultFitablePrefix = "fit"
	SubjectChangeEvent   = "broker.changed"
)

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// SafeToken turns an identifier into a single subject token.
func SafeToken(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// BuildChangeSubject builds the per-contract change event subject.
func BuildChangeSubject(contract string) string {
	return SubjectChangeEvent + "." + SafeToken(contract)
}

// BuildFitableSubject builds the subject a hosted implementation answers on.
func BuildFitableSubject(prefix, contract, implementation string) string {
	if prefix == "" {
		prefix = DefaultFitablePrefix
	}
	return prefix + "." + SafeToken(contract) + "." + SafeToken(implementation)
}
