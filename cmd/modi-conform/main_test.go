package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matindow/modi-api/internal/fakeapi"
	"github.com/matindow/modi-api/internal/resource"
)

// execute runs the CLI in-process and returns stdout and the exit code.
func execute(t *testing.T, args ...string) (string, int, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), exitCode(err), err
}

func contractFile(t *testing.T) string {
	t.Helper()
	path, err := filepath.Abs("../../api/openapi.yaml")
	require.NoError(t, err)
	return path
}

func startServer(t *testing.T, faults ...fakeapi.Fault) string {
	t.Helper()
	catalog, err := resource.Default()
	require.NoError(t, err)
	srv := fakeapi.New(catalog)
	for _, f := range faults {
		srv.AddFault(f)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func writeConfig(t *testing.T, dir, baseURL string) string {
	t.Helper()
	path := filepath.Join(dir, "modi.yaml")
	content := fmt.Sprintf(`name: cli-test
target:
  baseURL: %s
  timeout: 5s
auth:
  username: admin
  password: admin
contract:
  path: %s
scenarios:
  concurrency: 4
log:
  level: error
output:
  formats: [console, json]
  file: %s
history:
  driver: sqlite
  dsn: %s
`, baseURL, contractFile(t), filepath.Join(dir, "report.json"), filepath.Join(dir, "history.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCLI_Version(t *testing.T) {
	out, code, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "modi-conform version dev")
}

func TestCLI_Help(t *testing.T) {
	out, code, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Equal(t, exitOK, code)
	for _, sub := range []string{"run", "plan", "list", "validate", "history", "serve", "version"} {
		assert.Contains(t, out, sub)
	}
	assert.Contains(t, out, "Exit codes")
}

func TestCLI_Plan(t *testing.T) {
	out, code, err := execute(t, "plan", "-r", "item", "-o", "POST")
	require.NoError(t, err)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "scenario: item.POST[order_id]")
	assert.Contains(t, out, "create:   customer -> site -> order -> item")
	assert.Contains(t, out, "teardown: item -> order -> site -> customer")
}

func TestCLI_PlanCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`resources:
  - name: a
    path: /a
    operations: [POST]
    foreign_keys:
      - field: b_id
        parent: b
  - name: b
    path: /b
    operations: [POST]
    foreign_keys:
      - field: a_id
        parent: a
`), 0o644))

	_, code, err := execute(t, "plan", "--catalog", path)
	require.Error(t, err)
	assert.Equal(t, exitConfiguration, code)
	assert.Regexp(t, `a -> b -> a|b -> a -> b`, err.Error())
}

func TestCLI_List(t *testing.T) {
	out, code, err := execute(t, "list", "--contract", contractFile(t))
	require.NoError(t, err)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "MODI API 1.0")
	assert.Contains(t, out, "DELETE /customers/{id}")
	assert.NotContains(t, out, " no\n")
}

func TestCLI_Validate(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "http://127.0.0.1:1")

	out, code, err := execute(t, "validate", "-c", cfg)
	require.NoError(t, err)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "Configuration 'cli-test' is valid.")
	assert.Contains(t, out, "Resources:  8")
	assert.NotContains(t, out, "not covered")
}

func TestCLI_ValidateMissingConfig(t *testing.T) {
	_, code, err := execute(t, "validate", "-c", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, exitConfiguration, code)
}

func TestCLI_RunPassesAndRecordsHistory(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, startServer(t))

	out, code, err := execute(t, "run", "-c", cfg, "-r", "customer,site")
	require.NoError(t, err)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "CONFORMANCE RESULTS")
	assert.Contains(t, out, "PASS")

	data, err := os.ReadFile(filepath.Join(dir, "report.json"))
	require.NoError(t, err)
	var doc struct {
		Metadata struct {
			RunID string `json:"runId"`
			Name  string `json:"name"`
		} `json:"metadata"`
		Summary struct {
			Total  int `json:"total"`
			Failed int `json:"failed"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "cli-test", doc.Metadata.Name)
	assert.Equal(t, 8, doc.Summary.Total)
	assert.Zero(t, doc.Summary.Failed)

	out, code, err = execute(t, "history", "list", "-c", cfg)
	require.NoError(t, err)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, doc.Metadata.RunID)

	out, _, err = execute(t, "history", "show", "-c", cfg, doc.Metadata.RunID)
	require.NoError(t, err)
	assert.Contains(t, out, "customer.POST")
	assert.NotContains(t, out, "regressed")
}

func TestCLI_RunFailuresExitTwo(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, startServer(t, fakeapi.Fault{Method: "GET", Resource: "customer", Status: 500}))

	out, code, err := execute(t, "run", "-c", cfg, "-r", "customer", "-o", "GET", "--output", "console")
	require.Error(t, err)
	assert.Equal(t, exitFailures, code)
	assert.Contains(t, out, "FAIL (1 of 1 scenarios)")
	assert.Contains(t, out, "actual:   500")
}

func TestCLI_RunUnknownResource(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, startServer(t))

	_, code, err := execute(t, "run", "-c", cfg, "-r", "warehouse")
	require.Error(t, err)
	assert.Equal(t, exitConfiguration, code)
}

func TestCLI_HistoryNotConfigured(t *testing.T) {
	_, code, err := execute(t, "history", "list")
	require.Error(t, err)
	assert.Equal(t, exitConfiguration, code)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailures, exitCode(&exitError{code: exitFailures}))
	assert.Equal(t, exitConfiguration, exitCode(assert.AnError))
}
