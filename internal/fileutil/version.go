package fileutil

import (
	"errors"
	"fmt"

	"golang.org/x/mod/semver"
)

// ErrNewerFormat is returned when a durable file was written by a
// build with a newer, incompatible format.
var ErrNewerFormat = errors.New("file written by a newer format version")

// CheckFormatVersion verifies that a file stamped with version can
// be read by code that writes supported. An empty version is
// treated as the oldest format. Minor and patch bumps are
// compatible; a newer major version is not.
func CheckFormatVersion(version, supported string) error {
	if version == "" {
		return nil
	}
	if !semver.IsValid(version) {
		return fmt.Errorf("invalid format version %q", version)
	}
	if semver.Compare(semver.Major(version), semver.Major(supported)) > 0 {
		return fmt.Errorf(
			"%w: %s (supported %s)", ErrNewerFormat,
			version, supported,
		)
	}
	return nil
}
