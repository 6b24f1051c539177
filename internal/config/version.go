package config

import "fmt"

// CurrentVersion is the latest supported configuration file version.
const CurrentVersion = 1

// VersionError describes a configuration version mismatch.
type VersionError struct {
	Version int
	Current int
	Newer   bool
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Newer {
		return fmt.Sprintf("config version %d is newer than this build (current: %d), upgrade threadline to continue", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is unsupported (current: %d)", e.Version, e.Current)
}

// ValidateVersion ensures the provided config version is supported.
func ValidateVersion(version int) error {
	switch {
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Newer: true}
	case version < CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion}
	}
	return nil
}
