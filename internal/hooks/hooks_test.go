package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crane-deployment/internal/config"
	"crane-deployment/internal/database"
	"crane-deployment/internal/deployment"
	"crane-deployment/internal/metrics"
	"crane-deployment/internal/rancher"
	"crane-deployment/internal/vcs/vcstest"
)

type captured struct {
	path    string
	headers http.Header
	body    []byte
}

// recorder answers every request with status and keeps what it received.
type recorder struct {
	mu       sync.Mutex
	status   int
	requests []captured
}

func newRecorder(t *testing.T, status int) (*recorder, *httptest.Server) {
	rec := &recorder{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.requests = append(rec.requests, captured{r.URL.Path, r.Header.Clone(), body})
		rec.mu.Unlock()
		w.WriteHeader(rec.status)
	}))
	t.Cleanup(srv.Close)
	return rec, srv
}

func ciConfig() *config.Config {
	return &config.Config{
		CI: config.CI{
			ProjectURL:      "https://gitlab.example.com/finance/billing",
			ProjectPath:     "finance/billing",
			ProjectPathSlug: "finance-billing",
			JobID:           "4242",
			UserEmail:       "jane@example.com",
			CommitRefName:   "master",
			EnvironmentName: "production",
			RegistryImage:   "registry.example.com/finance/billing",
		},
	}
}

func TestEchoStartPrintsChangelog(t *testing.T) {
	var out bytes.Buffer
	d := testDeployment(t)
	h, err := NewEcho(context.Background(), d, Env{Config: ciConfig(), Out: &out})
	require.NoError(t, err)

	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Success(context.Background()))

	text := out.String()
	assert.Contains(t, text, "Alrighty, let's deploy!")
	assert.Contains(t, text, "(But please supervise me at https://rancher.example.com/env/1a5/apps/stacks/1st5)")
	assert.Contains(t, text, "  fix rounding")
	assert.NotContains(t, text, "add billing endpoint")
	assert.True(t, strings.HasSuffix(text, "Good job, everyone! (◕‿◕✿)\n"))
}

func TestEchoRedeploy(t *testing.T) {
	var out bytes.Buffer
	d := testDeployment(t)
	d.OldVersion = d.NewVersion
	h, err := NewEcho(context.Background(), d, Env{Config: ciConfig(), Out: &out})
	require.NoError(t, err)

	require.NoError(t, h.Start(context.Background()))
	assert.Contains(t, out.String(), "This is just a re-deploy")
}

func TestWebhookPostsToEveryURL(t *testing.T) {
	okRec, ok := newRecorder(t, http.StatusOK)
	badRec, bad := newRecorder(t, http.StatusBadGateway)

	cfg := ciConfig()
	cfg.WebhookURLs = []string{bad.URL + "/hook", ok.URL + "/hook"}
	cfg.WebhookToken = "s3cret"
	d := testDeployment(t)

	h, err := NewWebhook(context.Background(), d, Env{Config: cfg})
	require.NoError(t, err)
	require.True(t, h.Active())

	err = h.Success(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	require.Len(t, badRec.requests, 1)
	require.Len(t, okRec.requests, 1)
	req := okRec.requests[0]
	assert.Equal(t, "s3cret", req.headers.Get("Auth-Token"))

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(req.body, &payload))
	assert.Equal(t, "success", payload.Status)
	assert.Equal(t, d.NewVersion, payload.Version)
	assert.Equal(t, "4242", payload.CIJobID)
	require.Len(t, payload.Commits, 1)
	assert.Equal(t, d.NewVersion, payload.Commits[0].ID)
	assert.Equal(t, "Jane Doe", payload.Commits[0].AuthorName)
	assert.Equal(t, "2024-01-01 12:02:00", payload.Commits[0].Timestamp)
}

func TestWebhookInactiveWithoutURLs(t *testing.T) {
	h, err := NewWebhook(context.Background(), testDeployment(t), Env{Config: ciConfig()})
	require.NoError(t, err)
	assert.False(t, h.Active())
}

func TestSentryRegistersRelease(t *testing.T) {
	rec, srv := newRecorder(t, http.StatusCreated)
	cfg := ciConfig()
	cfg.SentryWebhook = srv.URL + "/api/hooks/release/builtin/1/abc/"
	d := testDeployment(t)

	h, err := NewSentry(context.Background(), d, Env{Config: cfg})
	require.NoError(t, err)
	require.True(t, h.Active())
	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Success(context.Background()))

	require.Len(t, rec.requests, 1)
	var release sentryRelease
	require.NoError(t, json.Unmarshal(rec.requests[0].body, &release))
	assert.Equal(t, d.NewVersion, release.Version)
	assert.Equal(t, "https://gitlab.example.com/finance/billing/builds/4242", release.URL)
	assert.Len(t, release.Commits, 1)
}

func TestDatadogEvent(t *testing.T) {
	rec, srv := newRecorder(t, http.StatusAccepted)
	cfg := ciConfig()
	cfg.DatadogAPIKey, cfg.DatadogAppKey = "api", "app"
	cfg.DatadogURL = srv.URL

	h, err := NewDatadog(context.Background(), testDeployment(t), Env{Config: cfg})
	require.NoError(t, err)
	require.True(t, h.Active())
	require.NoError(t, h.Failure(context.Background()))

	require.Len(t, rec.requests, 1)
	req := rec.requests[0]
	assert.Equal(t, "/api/v1/events", req.path)
	assert.Equal(t, "api", req.headers.Get("DD-API-KEY"))
	assert.Equal(t, "app", req.headers.Get("DD-APPLICATION-KEY"))

	var event datadogEvent
	require.NoError(t, json.Unmarshal(req.body, &event))
	assert.Equal(t, "crane.deployment", event.Title)
	assert.Equal(t, "fix rounding", event.Text)
	assert.Equal(t, "error", event.AlertType)
	assert.Equal(t, []string{"author:jane@example.com", "project:finance-billing"}, event.Tags)
}

func TestDatadogEventListsOldestFirst(t *testing.T) {
	b := vcstest.New(t)
	base := b.Commit("add billing endpoint")
	b.Commit("fix rounding")
	b.Commit("round totals up")
	head := b.Commit("send invoices by mail")

	tests := []struct {
		name     string
		old, new string
		kind     deployment.Kind
	}{
		{"forward", base, head, deployment.Forward},
		{"rollback", head, base, deployment.Rollback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, srv := newRecorder(t, http.StatusAccepted)
			cfg := ciConfig()
			cfg.DatadogAPIKey, cfg.DatadogAppKey = "api", "app"
			cfg.DatadogURL = srv.URL

			stack := rancher.Stack{ID: "1st5", Name: "billing", URL: "https://rancher.example.com", Env: "1a5"}
			d := deployment.New(stack, []rancher.Service{{ID: "1s10", Name: "app", Stack: stack}}, tt.old, tt.new, nil)
			require.NoError(t, d.CheckPreconditions(b.Repository()))
			c, err := d.Classify()
			require.NoError(t, err)
			require.Equal(t, tt.kind, c.Kind)

			h, err := NewDatadog(context.Background(), d, Env{Config: cfg})
			require.NoError(t, err)
			require.NoError(t, h.Success(context.Background()))

			require.Len(t, rec.requests, 1)
			var event datadogEvent
			require.NoError(t, json.Unmarshal(rec.requests[0].body, &event))
			assert.Equal(t, "fix rounding\nround totals up\nsend invoices by mail", event.Text)
		})
	}
}

func TestLedgerRecordsEvents(t *testing.T) {
	cfg := ciConfig()
	cfg.LedgerPath = filepath.Join(t.TempDir(), "ledger.db")
	d := testDeployment(t)

	h, err := NewLedger(context.Background(), d, Env{Config: cfg})
	require.NoError(t, err)
	require.True(t, h.Active())
	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Failure(context.Background()))

	db, err := database.Open(cfg.LedgerPath)
	require.NoError(t, err)
	defer db.Close()

	events, err := database.ListEvents(db, d.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "start", events[0].Event)
	assert.Equal(t, "failure", events[1].Event)
	assert.Equal(t, "forward", events[0].Kind)
	assert.Equal(t, "billing", events[0].Stack)
	assert.Equal(t, "app", events[0].Services)
}

func TestPushgatewayPushesOutcome(t *testing.T) {
	rec, srv := newRecorder(t, http.StatusOK)
	cfg := ciConfig()
	cfg.PushgatewayURL = srv.URL

	m := metrics.NewRecorder()
	m.Finish("success")
	h, err := NewPushgateway(context.Background(), testDeployment(t), Env{Config: cfg, Metrics: m})
	require.NoError(t, err)
	require.True(t, h.Active())
	require.NoError(t, h.Start(context.Background()))
	assert.Empty(t, rec.requests)

	require.NoError(t, h.Success(context.Background()))
	require.Len(t, rec.requests, 1)
	path := rec.requests[0].path
	assert.True(t, strings.HasPrefix(path, "/metrics/job/crane/"), path)
	assert.Contains(t, path, "/stack/billing")
	assert.Contains(t, path, "/environment/production")
}

// fakeSlack implements the handful of Web API methods the slack hook uses.
type fakeSlack struct {
	mu           sync.Mutex
	listFailures int
	messages     map[string]*slackMessage
	order        []string
	replies      []slackMessage
	updates      int
	seq          int
}

func newFakeSlack(t *testing.T) (*fakeSlack, *httptest.Server) {
	f := &fakeSlack{messages: make(map[string]*slackMessage)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeSlack) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer xoxb-test" {
		json.NewEncoder(w).Encode(slackResponse{Error: "invalid_auth"})
		return
	}

	switch strings.TrimPrefix(r.URL.Path, "/") {
	case "users.list":
		if f.listFailures > 0 {
			f.listFailures--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"ok":true,"members":[{"id":"U1","profile":{"email":"jane@example.com"}}]}`)
	case "conversations.list":
		io.WriteString(w, `{"ok":true,"channels":[{"id":"C1","name":"releases"}]}`)
	case "conversations.history":
		history := map[string]interface{}{"ok": true}
		var messages []map[string]interface{}
		for i := len(f.order) - 1; i >= 0; i-- {
			m := f.messages[f.order[i]]
			messages = append(messages, map[string]interface{}{"ts": m.TS, "metadata": m.Metadata})
		}
		history["messages"] = messages
		json.NewEncoder(w).Encode(history)
	case "chat.postMessage":
		var m slackMessage
		json.NewDecoder(r.Body).Decode(&m)
		f.seq++
		m.TS = "1700000000." + strconv.Itoa(f.seq)
		if m.ThreadTS != "" {
			f.replies = append(f.replies, m)
		} else {
			f.messages[m.TS] = &m
			f.order = append(f.order, m.TS)
		}
		json.NewEncoder(w).Encode(slackResponse{OK: true, TS: m.TS})
	case "chat.update":
		var m slackMessage
		json.NewDecoder(r.Body).Decode(&m)
		if _, ok := f.messages[m.TS]; !ok {
			json.NewEncoder(w).Encode(slackResponse{Error: "message_not_found"})
			return
		}
		f.messages[m.TS] = &m
		f.updates++
		json.NewEncoder(w).Encode(slackResponse{OK: true, TS: m.TS})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func slackConfig(apiURL, env string) *config.Config {
	cfg := ciConfig()
	cfg.CI.EnvironmentName = env
	cfg.Slack = config.Slack{
		APIURL:   apiURL,
		Token:    "xoxb-test",
		Channels: []string{"#releases"},
		Links:    []config.Link{{Title: "Logs", URL: "https://logs.example.com"}},
	}
	return cfg
}

func TestSlackReleaseLifecycle(t *testing.T) {
	fake, srv := newFakeSlack(t)
	fake.listFailures = 1
	d := testDeployment(t)
	ctx := context.Background()

	staging, err := newSlack(context.Background(), d, Env{Config: slackConfig(srv.URL, "staging")}, &backoff.ZeroBackOff{})
	require.NoError(t, err)
	require.Equal(t, []string{"C1"}, staging.channelIDs)

	require.NoError(t, staging.Start(ctx))
	require.Len(t, fake.order, 1)
	announcement := fake.messages[fake.order[0]]
	assert.Equal(t, "C1", announcement.Channel)
	assert.Equal(t, "finance/billing release", announcement.Text)
	require.Len(t, announcement.Attachments, 1)
	attachment := announcement.Attachments[0]
	assert.Equal(t, "", attachment.Color)
	assert.Contains(t, attachment.Text, "|fix rounding> by <@U1>, cc @finance")
	assert.Equal(t, "<https://gitlab.example.com/finance/billing/tree/master|master>", attachment.Fields[1].Value)
	assert.Equal(t, "<@U1>", attachment.Fields[2].Value)
	assert.Contains(t, attachment.Fields[3].Value, "<https://logs.example.com|Logs>")

	require.NoError(t, staging.Success(ctx))
	require.Len(t, fake.replies, 1)
	assert.Equal(t, "Released on staging.", fake.replies[0].Text)
	assert.Equal(t, "good", fake.messages[fake.order[0]].Attachments[0].Color)

	production, err := newSlack(context.Background(), d, Env{Config: slackConfig(srv.URL, "production")}, &backoff.ZeroBackOff{})
	require.NoError(t, err)
	require.NoError(t, production.Start(ctx))
	require.NoError(t, production.Failure(ctx))

	require.Len(t, fake.order, 1, "a second environment updates the existing announcement")
	final := fake.messages[fake.order[0]]
	assert.Equal(t, "danger", final.Attachments[0].Color)
	assert.Equal(t, ":white_check_mark: staging\n:x: production", final.Attachments[0].Fields[0].Value)

	require.Len(t, fake.replies, 3)
	assert.Equal(t, "Starting release on production.", fake.replies[1].Text)
	assert.Equal(t, "Release failed on production.", fake.replies[2].Text)
	assert.True(t, fake.replies[2].ReplyBroadcast)
}

func TestSlackFinishWithoutAnnouncement(t *testing.T) {
	fake, srv := newFakeSlack(t)
	h, err := newSlack(context.Background(), testDeployment(t), Env{Config: slackConfig(srv.URL, "staging")}, &backoff.ZeroBackOff{})
	require.NoError(t, err)

	require.NoError(t, h.Success(context.Background()))
	assert.Empty(t, fake.order)
	assert.Empty(t, fake.replies)
}

func TestSlackUnknownChannel(t *testing.T) {
	_, srv := newFakeSlack(t)
	cfg := slackConfig(srv.URL, "staging")
	cfg.Slack.Channels = []string{"#deploys"}

	_, err := newSlack(context.Background(), testDeployment(t), Env{Config: cfg}, &backoff.ZeroBackOff{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"#deploys"`)
}

func TestSlackSetupStopsWhenCancelled(t *testing.T) {
	fake, srv := newFakeSlack(t)
	fake.listFailures = 10

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newSlack(ctx, testDeployment(t), Env{Config: slackConfig(srv.URL, "staging")}, backoff.NewExponentialBackOff())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 10, fake.listFailures)
}

func TestSlackInactiveWithoutToken(t *testing.T) {
	cfg := ciConfig()
	cfg.Slack.Channels = []string{"#releases"}

	h, err := NewSlack(context.Background(), testDeployment(t), Env{Config: cfg})
	require.NoError(t, err)
	assert.False(t, h.Active())
}

func TestCCLine(t *testing.T) {
	assert.Equal(t, "", ccLine("fix rounding"))
	assert.Equal(t, ", cc @finance", ccLine("fix rounding\n\ncc @finance"))
	assert.Equal(t, ", CC @ops,cc @sre", ccLine("fix\n\nCC @ops\ncc @sre"))
}
