package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"crane-deployment/internal/config"
	"crane-deployment/internal/deployment"
	"crane-deployment/internal/logger"
)

const (
	slackEventType = "crane_release"

	slackInProgress = ":spinner:"
	slackReleased   = ":white_check_mark:"
	slackFailed     = ":x:"
)

// slackRelease is the state of one release announcement. It travels with the
// Slack message as metadata so a later run (another environment, or the
// success of an announce-only job) updates the same message.
type slackRelease struct {
	Key          string             `json:"key"`
	Environments []slackEnvironment `json:"environments"`
	Branch       string             `json:"branch"`
	Releasers    []string           `json:"releasers"`
	Links        string             `json:"links"`
}

type slackEnvironment struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (r *slackRelease) setStatus(env, status string) {
	for i := range r.Environments {
		if r.Environments[i].Name == env {
			r.Environments[i].Status = status
			return
		}
	}
	r.Environments = append(r.Environments, slackEnvironment{Name: env, Status: status})
}

func (r *slackRelease) addReleaser(releaser string) {
	for _, existing := range r.Releasers {
		if existing == releaser {
			return
		}
	}
	r.Releasers = append(r.Releasers, releaser)
}

// color follows the worst environment: any failure is danger, anything still
// running leaves the message uncolored.
func (r *slackRelease) color() string {
	color := "good"
	for _, env := range r.Environments {
		switch env.Status {
		case slackFailed:
			return "danger"
		case slackInProgress:
			color = ""
		}
	}
	return color
}

func (r *slackRelease) fields() []slackField {
	envs := make([]string, 0, len(r.Environments))
	for _, env := range r.Environments {
		envs = append(envs, env.Status+" "+env.Name)
	}
	return []slackField{
		{Title: "Environment", Value: strings.Join(envs, "\n"), Short: true},
		{Title: "Branch", Value: r.Branch, Short: true},
		{Title: "Releaser", Value: strings.Join(r.Releasers, " & "), Short: true},
		{Title: "Links", Value: r.Links, Short: true},
	}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Fallback  string       `json:"fallback"`
	Title     string       `json:"title"`
	TitleLink string       `json:"title_link"`
	Text      string       `json:"text"`
	Color     string       `json:"color,omitempty"`
	Fields    []slackField `json:"fields"`
}

type slackMetadata struct {
	EventType    string       `json:"event_type"`
	EventPayload slackRelease `json:"event_payload"`
}

type slackMessage struct {
	Channel        string            `json:"channel"`
	TS             string            `json:"ts,omitempty"`
	ThreadTS       string            `json:"thread_ts,omitempty"`
	Text           string            `json:"text"`
	Attachments    []slackAttachment `json:"attachments,omitempty"`
	Metadata       *slackMetadata    `json:"metadata,omitempty"`
	LinkNames      bool              `json:"link_names"`
	ReplyBroadcast bool              `json:"reply_broadcast,omitempty"`
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	TS    string `json:"ts"`
}

func (r slackResponse) err() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("slack said: %s", r.Error)
}

type slackUsers struct {
	slackResponse
	Members []struct {
		ID      string `json:"id"`
		Profile struct {
			Email string `json:"email"`
		} `json:"profile"`
	} `json:"members"`
}

type slackChannels struct {
	slackResponse
	Channels []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"channels"`
}

type slackHistory struct {
	slackResponse
	Messages []struct {
		TS       string         `json:"ts"`
		Metadata *slackMetadata `json:"metadata"`
	} `json:"messages"`
}

type slack struct {
	Base
	d      *deployment.Deployment
	cfg    *config.Config
	client *http.Client
	logger *logrus.Entry

	usersByEmail map[string]string
	channelIDs   []string
}

func NewSlack(ctx context.Context, d *deployment.Deployment, env Env) (Hook, error) {
	s, err := newSlack(ctx, d, env, backoff.NewExponentialBackOff())
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newSlack(ctx context.Context, d *deployment.Deployment, env Env, retry backoff.BackOff) (*slack, error) {
	s := &slack{
		d:            d,
		cfg:          env.Config,
		client:       httpClient(env),
		logger:       logger.WithModule("slack"),
		usersByEmail: make(map[string]string),
	}

	token, channels := s.cfg.Slack.Token != "", len(s.cfg.Slack.Channels) > 0
	switch {
	case token && !channels:
		s.logger.Warn("You have set a Slack API token, but forgot about setting the channel! We all make mistakes though, don't worry")
	case channels && !token:
		s.logger.Warn("You have set a Slack channel, but forgot about setting the API token! We all make mistakes though, don't worry")
	}
	if !s.Active() {
		return s, nil
	}

	channelsByName, err := backoff.Retry(ctx, func() (map[string]string, error) {
		return s.loadWorkspace(ctx)
	}, backoff.WithBackOff(retry), backoff.WithMaxTries(3))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load the Slack workspace")
	}

	for _, name := range s.cfg.Slack.Channels {
		id, ok := channelsByName[strings.TrimPrefix(name, "#")]
		if !ok {
			return nil, fmt.Errorf("slack channel %q not found", name)
		}
		s.channelIDs = append(s.channelIDs, id)
	}
	return s, nil
}

func (s *slack) Name() string { return "slack" }

func (s *slack) Active() bool {
	return s.cfg.Slack.Token != "" && len(s.cfg.Slack.Channels) > 0
}

func (s *slack) loadWorkspace(ctx context.Context) (map[string]string, error) {
	var users slackUsers
	if err := s.call(ctx, http.MethodGet, "users.list", url.Values{"limit": {"1000"}}, nil, &users); err != nil {
		return nil, err
	}
	for _, member := range users.Members {
		if member.Profile.Email != "" {
			s.usersByEmail[member.Profile.Email] = fmt.Sprintf("<@%s>", member.ID)
		}
	}

	var channels slackChannels
	query := url.Values{"limit": {"1000"}, "types": {"public_channel,private_channel"}}
	if err := s.call(ctx, http.MethodGet, "conversations.list", query, nil, &channels); err != nil {
		return nil, err
	}
	byName := make(map[string]string, len(channels.Channels))
	for _, channel := range channels.Channels {
		byName[channel.Name] = channel.ID
	}
	return byName, nil
}

func (s *slack) Start(ctx context.Context) error {
	for _, channel := range s.channelIDs {
		ts, release, err := s.find(ctx, channel)
		if err != nil {
			return err
		}
		if release == nil {
			release = &slackRelease{Key: s.key(), Links: s.links()}
		} else if err := s.reply(ctx, channel, ts, "Starting release on "+s.environment()+".", false); err != nil {
			return err
		}

		release.setStatus(s.environment(), slackInProgress)
		release.addReleaser(s.mention(s.cfg.CI.UserEmail))
		release.Branch = s.branch()

		if err := s.send(ctx, channel, ts, release); err != nil {
			return err
		}
	}
	return nil
}

func (s *slack) Success(ctx context.Context) error {
	return s.finish(ctx, slackReleased, "Released on "+s.environment()+".", false)
}

func (s *slack) Failure(ctx context.Context) error {
	return s.finish(ctx, slackFailed, "Release failed on "+s.environment()+".", true)
}

// finish does nothing in channels where the release was never announced.
func (s *slack) finish(ctx context.Context, status, text string, broadcast bool) error {
	for _, channel := range s.channelIDs {
		ts, release, err := s.find(ctx, channel)
		if err != nil {
			return err
		}
		if release == nil {
			continue
		}
		release.setStatus(s.environment(), status)
		if err := s.send(ctx, channel, ts, release); err != nil {
			return err
		}
		if err := s.reply(ctx, channel, ts, text, broadcast); err != nil {
			return err
		}
	}
	return nil
}

// find looks for the announcement of this release in recent channel history.
func (s *slack) find(ctx context.Context, channel string) (string, *slackRelease, error) {
	var history slackHistory
	query := url.Values{"channel": {channel}, "include_all_metadata": {"true"}, "limit": {"200"}}
	if err := s.call(ctx, http.MethodGet, "conversations.history", query, nil, &history); err != nil {
		return "", nil, err
	}
	for _, message := range history.Messages {
		if message.Metadata == nil || message.Metadata.EventType != slackEventType {
			continue
		}
		if message.Metadata.EventPayload.Key == s.key() {
			release := message.Metadata.EventPayload
			return message.TS, &release, nil
		}
	}
	return "", nil, nil
}

// send posts the announcement, or updates it when ts is set.
func (s *slack) send(ctx context.Context, channel, ts string, release *slackRelease) error {
	changelog, err := s.changelog()
	if err != nil {
		return err
	}
	title := s.cfg.CI.ProjectPath + " release"
	message := slackMessage{
		Channel: channel,
		TS:      ts,
		Text:    title,
		Attachments: []slackAttachment{{
			Fallback:  title,
			Title:     title,
			TitleLink: s.cfg.CI.JobURL(),
			Text:      changelog,
			Color:     release.color(),
			Fields:    release.fields(),
		}},
		Metadata:  &slackMetadata{EventType: slackEventType, EventPayload: *release},
		LinkNames: true,
	}

	method := "chat.postMessage"
	if ts != "" {
		method = "chat.update"
	}
	return s.call(ctx, http.MethodPost, method, nil, message, &slackResponse{})
}

func (s *slack) reply(ctx context.Context, channel, ts, text string, broadcast bool) error {
	return s.call(ctx, http.MethodPost, "chat.postMessage", nil, slackMessage{
		Channel:        channel,
		ThreadTS:       ts,
		Text:           text,
		LinkNames:      true,
		ReplyBroadcast: broadcast,
	}, &slackResponse{})
}

type slackResult interface {
	err() error
}

func (s *slack) call(ctx context.Context, httpMethod, method string, query url.Values, body interface{}, out slackResult) error {
	endpoint := s.cfg.Slack.APIURL + "/" + method
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return errors.Wrap(err, "failed to marshal slack message")
		}
	}
	reader := bytes.NewReader(payload)

	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, reader)
	if err != nil {
		return errors.Wrapf(err, "failed to build slack %s request", method)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Slack.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "slack %s", method)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack %s returned %d", method, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode slack %s response", method)
	}
	return errors.Wrap(out.err(), method)
}

func (s *slack) key() string {
	return s.d.OldVersion + s.d.NewVersion
}

func (s *slack) mention(email string) string {
	if mention, ok := s.usersByEmail[email]; ok {
		return mention
	}
	return email
}

func (s *slack) environment() string {
	if s.cfg.CI.EnvironmentURL != "" {
		return fmt.Sprintf("<%s|%s>", s.cfg.CI.EnvironmentURL, s.cfg.CI.EnvironmentName)
	}
	return s.cfg.CI.EnvironmentName
}

func (s *slack) branch() string {
	ref := s.cfg.CI.CommitRefName
	text := fmt.Sprintf("<%s/tree/%s|%s>", s.cfg.CI.ProjectURL, ref, ref)
	if ref != "master" && ref != "main" {
		text = ":warning: " + text
	}
	return text
}

func (s *slack) links() string {
	links := []config.Link{{Title: "Image", URL: s.cfg.CI.RegistryImage + ":" + s.d.NewVersion}}
	links = append(links, s.cfg.Slack.Links...)
	links = append(links, config.Link{Title: "Stack", URL: s.d.Stack.WebURL()})

	parts := make([]string, 0, len(links))
	for _, link := range links {
		parts = append(parts, fmt.Sprintf("<%s|%s>", link.URL, link.Title))
	}
	return strings.Join(parts, " | ")
}

func (s *slack) changelog() (string, error) {
	c, err := s.d.Classify()
	if err != nil {
		return "", err
	}

	var prefix string
	switch c.Kind {
	case deployment.Redeploy:
		return "Re-deploy without changes.", nil
	case deployment.Disconnected:
		prefix = ":warning: The exact changes can't be determined from git history. The latest commit now is:\n"
	case deployment.Rollback:
		prefix = ":warning: Rolling back the following changes:\n"
	}

	lines := make([]string, 0, len(c.Commits))
	for _, commit := range deployment.Changelog(c.Commits) {
		author := commit.AuthorName
		if mention, ok := s.usersByEmail[commit.AuthorEmail]; ok {
			author = mention
		}
		lines = append(lines, fmt.Sprintf("<%s/commit/%s|%s> by %s%s",
			s.cfg.CI.ProjectURL, commit.Hash, commit.Summary(), author, ccLine(commit.Message)))
	}
	return prefix + strings.Join(lines, "\n"), nil
}

// ccLine collects the "cc" lines of a commit message.
func ccLine(message string) string {
	var cc []string
	for _, line := range strings.Split(message, "\n") {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "cc") {
			cc = append(cc, strings.TrimSpace(line))
		}
	}
	if len(cc) == 0 {
		return ""
	}
	return ", " + strings.Join(cc, ",")
}
