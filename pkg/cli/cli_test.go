package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"github.com/telekom/audit-trail/pkg/api"
	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/config"
	"github.com/telekom/audit-trail/pkg/version"
)

const modelsYAML = `
  models:
    - type: hr.employee
      verboseName: Employee
      verboseNamePlural: Employees
      fields:
        status: Status
    - type: hr.address
      verboseName: Address
      redirect:
        target: hr.employee
        linkField: employee_id
`

type testEnv struct {
	dir      string
	config   string
	auditLog string
}

func newTestEnv(t *testing.T, auditYAML string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:      dir,
		config:   filepath.Join(dir, "config.yaml"),
		auditLog: filepath.Join(dir, "audit.log"),
	}
	content := "audit:\n  localLog:\n    path: " + env.auditLog + "\n    stdout: false\n" + auditYAML
	require.NoError(t, os.WriteFile(env.config, []byte(content), 0o600))
	return env
}

func (e *testEnv) run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	root := NewRootCommand(Config{
		ConfigPath:   e.config,
		OutputWriter: buf,
		Logger:       zaptest.NewLogger(t),
	})
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return buf.String(), err
}

func (e *testEnv) auditEvents(t *testing.T) []map[string]any {
	t.Helper()
	f, err := os.Open(e.auditLog)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var events []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		if line["msg"] == "audit_event" {
			events = append(events, line)
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestEmit(t *testing.T) {
	env := newTestEnv(t, "  disableBrokerDelivery: true\n")

	out, err := env.run(t, context.Background(), "emit",
		"--action", "password_reset", "--type", "auth.user", "--id", "42", "--repr", "alice",
		"--actor-id", "1", "--actor", "ops-admin", "--ip", "10.0.0.5",
		"--extra", "ticket=HR-1234", "-o", "json")
	require.NoError(t, err)

	var printed map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &printed))
	assert.Equal(t, "PASSWORD_RESET", printed["action"])
	assert.NotEmpty(t, printed["log_id"])

	events := env.auditEvents(t)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, printed["log_id"], e["log_id"])
	assert.Equal(t, "auth.user", e["object_type"])
	assert.Equal(t, "42", e["object_id"])
	assert.Equal(t, "1", e["user_id"])
	assert.Equal(t, "ops-admin", e["username"])
	assert.Equal(t, "10.0.0.5", e["ip_address"])
	assert.Equal(t, version.UserAgent(), e["user_agent"])
	assert.Equal(t, "HR-1234", e["ticket"])
	assert.Equal(t, "Action: PASSWORD_RESET", e["change_message"])
}

func TestEmit_Table(t *testing.T) {
	env := newTestEnv(t, "  disableBrokerDelivery: true\n")

	out, err := env.run(t, context.Background(), "emit", "--action", "LOGIN", "--type", "auth.user")
	require.NoError(t, err)
	assert.Contains(t, out, "LOG ID")
	assert.Contains(t, out, "auth.user")
	assert.Contains(t, out, "Action: LOGIN")
}

func TestEmit_Errors(t *testing.T) {
	env := newTestEnv(t, "  disableBrokerDelivery: true\n")

	_, err := env.run(t, context.Background(), "emit", "--action", "TELEPORT", "--type", "auth.user")
	assert.ErrorContains(t, err, "TELEPORT")

	_, err = env.run(t, context.Background(), "emit", "--action", "LOGIN")
	assert.ErrorContains(t, err, "type")

	missing := &testEnv{config: filepath.Join(env.dir, "missing.yaml")}
	_, err = missing.run(t, context.Background(), "emit", "--action", "LOGIN", "--type", "auth.user")
	assert.ErrorContains(t, err, "trying to open audit config file")
}

func TestEmit_BrokerUnavailable(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run(t, context.Background(), "emit", "--action", "EXPORT", "--type", "hr.employee", "-o", "yaml")
	require.Error(t, err)
	assert.ErrorIs(t, err, audit.ErrNoBroker)
	assert.Contains(t, err.Error(), "logged locally but not published")

	var printed map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &printed), "the event is still printed")
	assert.Equal(t, "EXPORT", printed["action"])
	assert.Len(t, env.auditEvents(t), 1)
}

func TestEnsureStream_NoBroker(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.run(t, context.Background(), "ensure-stream", "--timeout", "1s")
	assert.ErrorIs(t, err, audit.ErrNoBroker)
}

func TestEnsureStream_WebhookOnly(t *testing.T) {
	env := newTestEnv(t, "  webhooks:\n    - name: siem\n      url: http://127.0.0.1:1/hook\n")
	out, err := env.run(t, context.Background(), "ensure-stream")
	require.NoError(t, err, "webhooks have no stream to create")
	assert.Equal(t, "stream audit-logs ready\n", out)
}

func TestModels(t *testing.T) {
	env := newTestEnv(t, modelsYAML)

	out, err := env.run(t, context.Background(), "models", "-o", "json")
	require.NoError(t, err)
	var models []api.ModelInfo
	require.NoError(t, json.Unmarshal([]byte(out), &models))
	require.Len(t, models, 2)
	assert.Equal(t, "hr.address", models[0].Key)
	assert.Equal(t, "hr.employee", models[0].RedirectTarget)
	assert.Equal(t, "Employees", models[1].VerboseNamePlural)
	assert.Equal(t, "Status", models[1].Fields["status"])

	out, err = env.run(t, context.Background(), "models")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "TYPE"))
	assert.Contains(t, lines[1], "hr.address")
	assert.Contains(t, lines[1], "hr.employee", "redirect column")
	assert.Contains(t, lines[2], "status")
}

func TestVersion(t *testing.T) {
	origVersion, origCommit := version.Version, version.GitCommit
	defer func() { version.Version, version.GitCommit = origVersion, origCommit }()
	version.Version = "v1.2.3"
	version.GitCommit = "abc123"

	env := &testEnv{config: "/nonexistent/config.yaml"}

	out, err := env.run(t, context.Background(), "version")
	require.NoError(t, err, "version needs no config file")
	assert.Contains(t, out, "audittrail v1.2.3 (commit abc123")

	out, err = env.run(t, context.Background(), "version", "-o", "json")
	require.NoError(t, err)
	var info version.BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "v1.2.3", info.Version)
}

func TestOutputFormatFromEnv(t *testing.T) {
	t.Setenv(EnvOutput, "json")
	env := &testEnv{config: "/nonexistent/config.yaml"}

	out, err := env.run(t, context.Background(), "version")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out)))
}

func TestServe_StopsWithContext(t *testing.T) {
	env := newTestEnv(t, "  disableBrokerDelivery: true\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.run(t, ctx, "serve", "--listen", "127.0.0.1:0")
	assert.NoError(t, err)
}

func TestReloadOnHangup(t *testing.T) {
	env := newTestEnv(t, "  disableBrokerDelivery: true\n")
	logger := zaptest.NewLogger(t)

	cfg, err := config.Load(env.config)
	require.NoError(t, err)
	service, err := audit.NewServiceWithLocal(cfg.Audit, audit.NewLogSink(logger), logger)
	require.NoError(t, err)
	app := newAppWithService(cfg, service, logger)
	defer func() { _ = app.Close() }()
	require.Empty(t, app.Service.Status().Sinks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hup := make(chan os.Signal, 1)
	go reloadOnHangup(ctx, hup, env.config, app, logger)

	updated := "audit:\n  disableBrokerDelivery: true\n  webhooks:\n    - name: siem\n      url: http://127.0.0.1:1/hook\n" + modelsYAML
	require.NoError(t, os.WriteFile(env.config, []byte(updated), 0o600))
	hup <- syscall.SIGHUP

	require.Eventually(t, func() bool {
		return len(app.Service.Status().Sinks) == 1 && app.Registry.IsRegistered("hr.employee")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(env.config, []byte("audit:\n  broker:\n    type: carrier-pigeon\n"), 0o600))
	hup <- syscall.SIGHUP
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, app.Service.Status().Sinks, 1, "an invalid config keeps the running pipeline")
}
