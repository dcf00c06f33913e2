package rancher

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"crane-deployment/internal/models"
)

// Strategy holds the rolling-upgrade parameters handed to the platform.
type Strategy struct {
	BatchSize     int
	BatchInterval time.Duration
	StartFirst    bool
	// Sidekick selects a secondary launch config instead of the primary one.
	Sidekick string
	// NewImage replaces the image outright instead of swapping versions.
	NewImage string
}

// NewUpgradeRequest builds the upgrade body for a service from its current
// resource. Exactly one launch config, primary or the named sidekick, is
// copied and gets the new image reference.
func NewUpgradeRequest(current *models.ServiceResource, oldVersion, newVersion string, s Strategy) (models.UpgradeRequest, error) {
	strategy := models.InServiceStrategy{
		BatchSize:              s.BatchSize,
		IntervalMillis:         s.BatchInterval.Milliseconds(),
		StartFirst:             s.StartFirst,
		SecondaryLaunchConfigs: []models.LaunchConfig{},
	}

	var target models.LaunchConfig
	if s.Sidekick == "" {
		target = current.LaunchConfig.Clone()
		if target == nil {
			target = models.LaunchConfig{}
		}
		strategy.LaunchConfig = target
	} else {
		for _, lc := range current.SecondaryLaunchConfigs {
			if lc.Name() == s.Sidekick {
				target = lc.Clone()
				break
			}
		}
		if target == nil {
			return models.UpgradeRequest{}, errors.Wrapf(ErrSidekickNotFound, "%q on service %q", s.Sidekick, current.Name)
		}
		strategy.SecondaryLaunchConfigs = append(strategy.SecondaryLaunchConfigs, target)
	}

	target[models.ImageField] = NewImageReference(target.Image(), oldVersion, newVersion, s.NewImage)

	return models.UpgradeRequest{InServiceStrategy: strategy}, nil
}

// NewImageReference is "docker:<image>" for an explicit image, otherwise the
// current reference with the old version swapped for the new one.
func NewImageReference(current, oldVersion, newVersion, newImage string) string {
	if newImage != "" {
		return "docker:" + newImage
	}
	if oldVersion == "" {
		return current
	}
	return strings.ReplaceAll(current, oldVersion, newVersion)
}
