package vad

import (
	"fmt"
)

const (
	VersionMajor = 1
	VersionMinor = 0
	VersionPatch = 0
)

// Version holds the library's semantic version.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

var versionString = fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)

// GetVersion returns the library version as "major.minor.patch".
func GetVersion() string {
	return versionString
}

// GetVersionStruct fills out with the library version.
func GetVersionStruct(out *Version) error {
	if out == nil {
		return fmt.Errorf("%w: version output is nil", ErrInvalidParam)
	}
	*out = Version{Major: VersionMajor, Minor: VersionMinor, Patch: VersionPatch}
	return nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
