// Package version reports the harvester build version and checks configuration
// files against it.
package version

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
)

// Version is set at build time:
// -ldflags "-X github.com/rxtech-lab/argo-harvester/internal/version.Version=1.2.3"
// "main" marks a development build.
var Version = "main"

// GetVersion returns the build version.
func GetVersion() string {
	return Version
}

// CheckRequirement checks the build against a configuration's `requires` constraint,
// e.g. ">= 0.3, < 1". An empty constraint or a development build always passes.
func CheckRequirement(build, constraint string) error {
	build = strings.TrimPrefix(build, "v")

	if constraint == "" || build == "main" {
		return nil
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "invalid version constraint %q", constraint)
	}

	v, err := semver.NewVersion(build)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "invalid build version %q", build)
	}

	if ok, reasons := c.Validate(v); !ok {
		return errors.Newf(errors.ErrCodeInvalidConfiguration,
			"harvester %s does not satisfy %q: %v", v, constraint, reasons)
	}

	return nil
}
