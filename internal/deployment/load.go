package deployment

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/distribution/reference"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"crane-deployment/internal/config"
	"crane-deployment/internal/logger"
	"crane-deployment/internal/models"
	"crane-deployment/internal/rancher"
	"crane-deployment/internal/vcs"
)

var shaPattern = regexp.MustCompile(`\b[0-9a-f]{40}\b`)

// Lookup is the part of the platform client needed to describe a deployment.
type Lookup interface {
	StackByName(ctx context.Context, name string) (rancher.Stack, error)
	ServiceByName(ctx context.Context, stack rancher.Stack, name string) (rancher.Service, error)
	ServiceState(ctx context.Context, service rancher.Service) (*models.ServiceResource, error)
}

// Load resolves the configured stack and services and works out the old and
// new versions from the images currently running. The returned deployment
// has no history attached; see CheckPreconditions.
func Load(ctx context.Context, cfg *config.Config, api Lookup) (*Deployment, error) {
	if cfg.Stack == "" {
		return nil, Errorf(KindConfiguration,
			"Well, this is a bit awkward. You need to tell me what stack to upgrade in. "+
				"Normally I can guess it from the CI environment, but it seems I'm not running in CI now.")
	}

	stack, err := api.StackByName(ctx, cfg.Stack)
	if err != nil {
		return nil, lookupError(err, "", fmt.Sprintf("I don't see a stack called '%s'", cfg.Stack))
	}

	services := make([]rancher.Service, 0, len(cfg.Services))
	for _, name := range cfg.Services {
		service, err := api.ServiceByName(ctx, stack, name)
		if err != nil {
			return nil, lookupError(err, name,
				fmt.Sprintf("I don't see a service called '%s' in the '%s' stack", name, stack.Name))
		}
		services = append(services, service)
	}
	if len(services) == 0 {
		return nil, Errorf(KindConfiguration, "You need to tell me which services to upgrade.")
	}

	images := make([]string, 0, len(services))
	for _, service := range services {
		resource, err := api.ServiceState(ctx, service)
		if err != nil {
			return nil, remoteError(err, service.Name, "could not fetch the current service")
		}
		images = append(images, resource.LaunchConfig.Image())
	}

	oldVersion, newVersion, err := versions(cfg, images[0])
	if err != nil {
		return nil, err
	}

	if cfg.NewImage == "" {
		for i, image := range images {
			if !strings.Contains(image, oldVersion) {
				return nil, NewError(KindConfiguration, services[i].Name,
					"All selected services must have the same commit SHA. "+
						"Please manually change their versions so they are all the same, and then retry the upgrade.", nil)
			}
		}
	}

	d := New(stack, services, oldVersion, newVersion, nil)
	logger.WithModule("deployment").WithFields(logrus.Fields{
		"deployment_id": d.ID,
		"stack":         stack.Name,
		"old_version":   oldVersion,
		"new_version":   newVersion,
	}).Info("Loaded deployment")
	return d, nil
}

func lookupError(err error, service, notFound string) error {
	if errors.Is(err, rancher.ErrNotFound) {
		return NewError(KindConfiguration, service, notFound+". I cannot upgrade like this, please check your configuration!", err)
	}
	return remoteError(err, service, "could not reach rancher")
}

// remoteError tells an answer the platform gave apart from one it never gave.
func remoteError(err error, service, unreachable string) error {
	if apiErr, ok := rancher.Refused(err); ok {
		return NewError(KindRemoteRejected, service,
			fmt.Sprintf("Rancher refused the request (%s). Please check the API keys and the environment ID.",
				apiErr.Describe()), err)
	}
	return NewError(KindRemoteUnreachable, service, unreachable, err)
}

func versions(cfg *config.Config, currentImage string) (string, string, error) {
	if cfg.NewImage != "" {
		oldVersion := cfg.OldCommit
		if oldVersion == "" {
			oldVersion = ImageTag(currentImage)
		}
		return oldVersion, ImageTag(cfg.NewImage), nil
	}

	oldVersion := cfg.OldCommit
	if oldVersion == "" {
		sha, err := ShaFromImage(currentImage)
		if err != nil {
			return "", "", err
		}
		oldVersion = sha
	}
	if cfg.NewCommit == "" {
		return "", "", Errorf(KindConfiguration, "You need to tell me which commit to deploy.")
	}
	return oldVersion, cfg.NewCommit, nil
}

// ImageTag returns the tag of an image reference, with or without the
// "docker:" prefix the platform stores.
func ImageTag(image string) string {
	image = strings.TrimPrefix(image, "docker:")
	if named, err := reference.ParseNormalizedNamed(image); err == nil {
		if tagged, ok := named.(reference.Tagged); ok {
			return tagged.Tag()
		}
	}
	parts := strings.Split(image, ":")
	return parts[len(parts)-1]
}

// ShaFromImage finds the one full commit hash in an image reference.
func ShaFromImage(image string) (string, error) {
	matches := shaPattern.FindAllString(image, -1)
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", Errorf(KindConfiguration,
			"Your existing image seems to have no commit hash in its tag for me to be able to upgrade "+
				"to the new commit, but it's currently tagged as just :%s", ImageTag(image))
	default:
		return "", Errorf(KindConfiguration,
			"Your existing image seems to have multiple commit hashes in its tag, I don't know which one to replace: %s",
			strings.Join(matches, ", or "))
	}
}

// CheckPreconditions attaches the git history to the deployment. Missing
// history or an unresolvable new version puts the deployment in limited
// mode; the returned error explains why and is never fatal.
func (d *Deployment) CheckPreconditions(repo vcs.Graph) error {
	if repo == nil {
		d.Limit()
		return Errorf(KindVersionResolution,
			"You are not running crane in a Git repository. crane is running in limited mode, "+
				"all hooks have been disabled. It is highly recommended you use Git references for your deployments.")
	}
	d.repo = repo

	if _, err := repo.Resolve(d.NewVersion); err != nil {
		d.Limit()
		return NewError(KindVersionResolution, "",
			fmt.Sprintf("The new version you specified, %s, is not a valid git reference! "+
				"crane is running in limited mode, all hooks have been disabled. "+
				"It is highly recommended you use Git references for your deployments.", d.NewVersion), err)
	}
	return nil
}
