package info

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// VersionMismatchError reports that a plugin was built against a library
// version the running components cannot talk to.
type VersionMismatchError struct {
	PluginKey      string
	PluginLibrary  string
	RuntimeLibrary string
}

func (e *VersionMismatchError) Error() string {
	if e.PluginKey != "" {
		return fmt.Sprintf("plugin %s speaks library version %s, runtime speaks %s",
			e.PluginKey, e.PluginLibrary, e.RuntimeLibrary)
	}
	return fmt.Sprintf("library version %s is not compatible with runtime %s",
		e.PluginLibrary, e.RuntimeLibrary)
}

func parseVersion(v string) (*semver.Version, error) {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("invalid semantic version %q: %w", v, err)
	}
	return parsed, nil
}

// Compatible reports whether two library versions can interoperate: the
// majors must match, and while the major is zero the minors must match too.
// Build metadata never affects compatibility.
func Compatible(a, b string) (bool, error) {
	va, err := parseVersion(a)
	if err != nil {
		return false, err
	}
	vb, err := parseVersion(b)
	if err != nil {
		return false, err
	}
	if va.Major() != vb.Major() {
		return false, nil
	}
	if va.Major() == 0 && va.Minor() != vb.Minor() {
		return false, nil
	}
	return true, nil
}

// AssertCompatible returns a *VersionMismatchError when the plugin's library
// version cannot interoperate with the runtime's.
func AssertCompatible(pluginKey, pluginLibrary, runtimeLibrary string) error {
	ok, err := Compatible(pluginLibrary, runtimeLibrary)
	if err != nil {
		return err
	}
	if !ok {
		return &VersionMismatchError{
			PluginKey:      pluginKey,
			PluginLibrary:  pluginLibrary,
			RuntimeLibrary: runtimeLibrary,
		}
	}
	return nil
}

// CompareVersions orders plugin versions for latest-version selection. It
// returns a negative value when a ranks below b, zero when they rank equal
// and a positive value when a ranks above b. Equal semantic versions are
// ranked by their build metadata so that re-releases sort deterministically.
func CompareVersions(a, b string) (int, error) {
	va, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}
	if cmp := va.Compare(vb); cmp != 0 {
		return cmp, nil
	}
	return strings.Compare(va.Metadata(), vb.Metadata()), nil
}
