package models

// Service states reported by the platform that the upgrade loop understands.
const (
	StateUpgrading = "upgrading"
	StateUpgraded  = "upgraded"
)

// ImageField is the launch configuration key holding the image reference.
const ImageField = "imageUuid"

// Collection is the envelope of every list endpoint.
type Collection struct {
	Data []Resource `json:"data"`
}

type Resource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ServiceResource is the body of GET /services/{id}.
type ServiceResource struct {
	ID                     string         `json:"id"`
	Name                   string         `json:"name"`
	State                  string         `json:"state"`
	LaunchConfig           LaunchConfig   `json:"launchConfig"`
	SecondaryLaunchConfigs []LaunchConfig `json:"secondaryLaunchConfigs"`
}

// LaunchConfig is round-tripped to the platform untouched apart from the
// image reference.
type LaunchConfig map[string]interface{}

func (lc LaunchConfig) Image() string {
	image, _ := lc[ImageField].(string)
	return image
}

func (lc LaunchConfig) Name() string {
	name, _ := lc["name"].(string)
	return name
}

// Clone copies the top level so rewriting the image leaves the fetched
// resource intact.
func (lc LaunchConfig) Clone() LaunchConfig {
	if lc == nil {
		return nil
	}
	out := make(LaunchConfig, len(lc))
	for k, v := range lc {
		out[k] = v
	}
	return out
}

// UpgradeRequest is the body of POST /services/{id}?action=upgrade.
type UpgradeRequest struct {
	InServiceStrategy InServiceStrategy `json:"inServiceStrategy"`
}

type InServiceStrategy struct {
	BatchSize              int            `json:"batchSize"`
	IntervalMillis         int64          `json:"intervalMillis"`
	StartFirst             bool           `json:"startFirst"`
	LaunchConfig           LaunchConfig   `json:"launchConfig"`
	SecondaryLaunchConfigs []LaunchConfig `json:"secondaryLaunchConfigs"`
}

// APIErrorBody is the structured error returned with non-2xx responses.
type APIErrorBody struct {
	Type    string `json:"type"`
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}
