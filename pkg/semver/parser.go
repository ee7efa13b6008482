// Package semver parses contract references and matches implementation
// versions against SemVer ranges.
package semver

import (
	"fmt"
	"regexp"
	"strings"
)

const logPrefix = "semver:parser"

// ContractRef is a parsed "contract@range" reference.
type ContractRef struct {
	// Contract id (e.g. "taskcenter.instance.create")
	Contract string
	// Version range if specified (e.g. "^1.2.0", "2", ""); empty means any version
	Range string
	// Raw input string
	Raw string
}

var (
	majorOnlyRegex    = regexp.MustCompile(`^\d+$`)
	exactVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// ParseContractRef parses a contract reference.
//
// Supported formats:
//   - CreateInstance            (any version)
//   - CreateInstance@2          (major only)
//   - CreateInstance@2.1.0      (exact version)
//   - CreateInstance@^2.1.0     (caret range)
//   - CreateInstance@~2.1.0     (tilde range)
//   - CreateInstance@>=2.0.0    (comparison range)
func ParseContractRef(input string) (*ContractRef, error) {
	raw := strings.TrimSpace(input)

	contract, rangeStr, hasRange := strings.Cut(raw, "@")
	if contract == "" {
		return nil, fmt.Errorf("%s - missing contract id: %q", logPrefix, input)
	}
	if hasRange {
		if rangeStr == "" {
			return nil, fmt.Errorf("%s - empty version range: %q", logPrefix, input)
		}
		if err := ValidateRange(rangeStr); err != nil {
			return nil, err
		}
	}

	return &ContractRef{Contract: contract, Range: rangeStr, Raw: raw}, nil
}

// String renders the reference back to "contract[@range]".
func (r ContractRef) String() string {
	if r.Range == "" {
		return r.Contract
	}
	return r.Contract + "@" + r.Range
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// IsExactVersion checks if a range is an exact version (e.g., "3.2.1").
func IsExactVersion(rangeStr string) bool {
	return exactVersionRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	var major int
	fmt.Sscanf(rangeStr, "%d", &major)
	return major
}
