package semver

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

const resolverLogPrefix = "semver:resolver"

// ValidateVersion checks that v is a SemVer version. Empty is allowed and
// means "unversioned".
func ValidateVersion(v string) error {
	if v == "" {
		return nil
	}
	if _, err := masterminds.NewVersion(v); err != nil {
		return fmt.Errorf("%s - invalid version %q: %w", resolverLogPrefix, v, err)
	}
	return nil
}

// ValidateRange checks that rangeStr is a major-only, exact or constraint range.
func ValidateRange(rangeStr string) error {
	if rangeStr == "" || IsMajorOnly(rangeStr) {
		return nil
	}
	if _, err := masterminds.NewConstraint(rangeStr); err != nil {
		return fmt.Errorf("%s - invalid range %q: %w", resolverLogPrefix, rangeStr, err)
	}
	return nil
}

// SatisfiesRange checks if a version string satisfies a range. An empty range
// matches everything, including unversioned implementations; a non-empty
// range never matches an unparseable or empty version.
func SatisfiesRange(version, rangeStr string) bool {
	if rangeStr == "" {
		return true
	}

	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false
	}

	if IsMajorOnly(rangeStr) {
		return int(sv.Major()) == ExtractMajorFromRange(rangeStr)
	}
	if IsExactVersion(rangeStr) {
		want, err := masterminds.NewVersion(rangeStr)
		return err == nil && sv.Equal(want)
	}

	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}
	return constraint.Check(sv)
}

// HighestIndex returns the index of the highest version in versions, or -1
// when none parses. Stable releases win over prereleases; on equal versions
// the earliest index wins, so callers get a deterministic pick by passing an
// ordered slice.
func HighestIndex(versions []string) int {
	best := -1
	var bestVersion *masterminds.Version
	for i, v := range versions {
		sv, err := masterminds.NewVersion(v)
		if err != nil {
			continue
		}
		if bestVersion == nil || better(sv, bestVersion) {
			best, bestVersion = i, sv
		}
	}
	return best
}

func better(a, b *masterminds.Version) bool {
	aStable, bStable := a.Prerelease() == "", b.Prerelease() == ""
	if aStable != bStable {
		return aStable
	}
	return a.GreaterThan(b)
}
