package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is built once at startup and handed to every component by pointer.
// Nothing mutates it after the command line has been parsed.
type Config struct {
	RancherURL       string `validate:"required,url"`
	RancherAccessKey string `validate:"required"`
	RancherSecretKey string `validate:"required"`
	RancherEnv       string `validate:"required"`

	Stack    string   `validate:"required"`
	Services []string `validate:"min=1,dive,required"`
	Sidekick string

	BatchSize     int           `validate:"min=1"`
	BatchInterval time.Duration `validate:"min=0"`
	StartFirst    bool

	NewImage  string
	OldCommit string
	NewCommit string

	SleepAfterUpgrade time.Duration `validate:"min=0"`
	ManualFinish      bool

	PollInterval     time.Duration `validate:"gt=0"`
	BreakerThreshold int           `validate:"min=1"`
	BreakerTimeout   time.Duration `validate:"gt=0"`

	RepoPath string

	CI CI

	Slack          Slack
	SentryWebhook  string
	WebhookURLs    []string
	WebhookToken   string
	DatadogAPIKey  string
	DatadogAppKey  string
	DatadogURL     string
	LedgerPath     string
	PushgatewayURL string

	NewRelicLicense string
	NewRelicAppName string
	NewRelicEnabled bool
}

// CI is the subset of the CI job environment hooks report on.
type CI struct {
	ProjectURL      string
	ProjectPath     string
	ProjectPathSlug string
	JobID           string
	UserEmail       string
	CommitRefName   string
	EnvironmentName string
	EnvironmentURL  string
	RegistryImage   string
}

// JobURL links back to the CI job that ran the deployment.
func (c CI) JobURL() string {
	if c.ProjectURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/builds/%s", c.ProjectURL, c.JobID)
}

type Slack struct {
	APIURL   string
	Token    string
	Channels []string
	Links    []Link
}

// Link is a titled URL shown alongside release announcements.
type Link struct {
	Title string
	URL   string
}

var validate = validator.New()

// Load reads the configuration from the environment. A .env file in the
// working directory is honoured when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		RancherURL:       StripTrailingSlash(getEnv("RANCHER_URL", "")),
		RancherAccessKey: getEnv("RANCHER_ACCESS_KEY", ""),
		RancherSecretKey: getEnv("RANCHER_SECRET_KEY", ""),
		RancherEnv:       getEnv("RANCHER_ENV_ID", ""),

		Stack:    getEnv("RANCHER_STACK_NAME", getEnv("CI_PROJECT_NAME", "")),
		Services: getEnvAsList("RANCHER_SERVICE_NAME", []string{"app"}),
		Sidekick: getEnv("RANCHER_SIDEKICK_NAME", ""),

		BatchSize:     getEnvAsInt("CRANE_BATCH_SIZE", 1),
		BatchInterval: getEnvAsSeconds("CRANE_BATCH_INTERVAL", 2),
		StartFirst:    getEnvAsBool("CRANE_START_FIRST", false),

		NewImage:  getEnv("CRANE_NEW_IMAGE", ""),
		OldCommit: getEnv("CRANE_OLD_COMMIT", ""),
		NewCommit: getEnv("CRANE_NEW_COMMIT", getEnv("CI_COMMIT_SHA", "")),

		SleepAfterUpgrade: getEnvAsSeconds("CRANE_SLEEP_AFTER_UPGRADE", 0),
		ManualFinish:      getEnvAsBool("CRANE_MANUAL_FINISH", false),

		PollInterval:     getEnvAsSeconds("CRANE_POLL_INTERVAL", 3),
		BreakerThreshold: getEnvAsInt("CRANE_BREAKER_THRESHOLD", 20),
		BreakerTimeout:   getEnvAsSeconds("CRANE_BREAKER_TIMEOUT", 60),

		RepoPath: getEnv("CI_PROJECT_DIR", "."),

		CI: CI{
			ProjectURL:      StripTrailingSlash(getEnv("CI_PROJECT_URL", "")),
			ProjectPath:     getEnv("CI_PROJECT_PATH", ""),
			ProjectPathSlug: getEnv("CI_PROJECT_PATH_SLUG", ""),
			JobID:           getEnv("CI_JOB_ID", ""),
			UserEmail:       getEnv("GITLAB_USER_EMAIL", ""),
			CommitRefName:   getEnv("CI_COMMIT_REF_NAME", ""),
			EnvironmentName: getEnv("CI_ENVIRONMENT_NAME", ""),
			EnvironmentURL:  getEnv("CI_ENVIRONMENT_URL", ""),
			RegistryImage:   getEnv("CI_REGISTRY_IMAGE", ""),
		},

		Slack: Slack{
			APIURL:   StripTrailingSlash(getEnv("CRANE_SLACK_API_URL", "https://slack.com/api")),
			Token:    getEnv("CRANE_SLACK_TOKEN", ""),
			Channels: getEnvAsList("CRANE_SLACK_CHANNEL", nil),
			Links:    ParseLinks(getEnvAsList("CRANE_SLACK_LINK", nil)),
		},
		SentryWebhook:  StripTrailingSlash(getEnv("CRANE_SENTRY_WEBHOOK", "")),
		WebhookURLs:    stripTrailingSlashes(getEnvAsList("CRANE_WEBHOOK_URL", nil)),
		WebhookToken:   getEnv("CRANE_WEBHOOK_TOKEN", ""),
		DatadogAPIKey:  getEnv("CRANE_DATADOG_KEY", ""),
		DatadogAppKey:  getEnv("CRANE_DATADOG_APP_KEY", ""),
		DatadogURL:     StripTrailingSlash(getEnv("CRANE_DATADOG_URL", "https://api.datadoghq.com")),
		LedgerPath:     getEnv("CRANE_LEDGER_PATH", ""),
		PushgatewayURL: StripTrailingSlash(getEnv("CRANE_PUSHGATEWAY_URL", "")),

		NewRelicLicense: getEnv("NEW_RELIC_LICENSE_KEY", ""),
		NewRelicAppName: getEnv("NEW_RELIC_APP_NAME", "crane"),
		NewRelicEnabled: getEnvAsBool("NEW_RELIC_ENABLED", false),
	}
}

// Validate checks the settings a deploy needs before anything talks to the
// platform.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}

// ParseLinks turns "Title=URL" entries into links, skipping malformed ones.
func ParseLinks(entries []string) []Link {
	var links []Link
	for _, entry := range entries {
		title, url, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(title) == "" || strings.TrimSpace(url) == "" {
			continue
		}
		links = append(links, Link{Title: strings.TrimSpace(title), URL: strings.TrimSpace(url)})
	}
	return links
}

func StripTrailingSlash(value string) string {
	return strings.TrimRight(value, "/")
}

func stripTrailingSlashes(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, StripTrailingSlash(v))
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}

func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}

func getEnvAsList(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}
