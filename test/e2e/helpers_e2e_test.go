//go:build e2e

// Package e2e_test exercises a running server over HTTP. The suite expects a
// stack started with the stub LLM provider so runs are deterministic and free:
//
//	E2E_BASE_URL=http://localhost:8080 go test -tags e2e ./test/e2e/...
//
// E2E_API_KEY must carry a valid API key when the server enforces auth.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func baseURL() string { return getenv("E2E_BASE_URL", "http://localhost:8080") }

// newRequest builds a request with the JSON headers and API key every
// endpoint in the suite needs.
func newRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, baseURL()+path, rd)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := os.Getenv("E2E_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req
}

// doJSON executes the request and decodes the response body into out (when
// non-nil), returning the status code.
func doJSON(t *testing.T, client *http.Client, req *http.Request, out any) int {
	t.Helper()
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, out), "body: %s", raw)
	}
	return resp.StatusCode
}

func waitForAppReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL() + "/readyz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(2 * time.Second)
	}
	t.Fatalf("server at %s not ready within %s", baseURL(), timeout)
}

// submitJob creates a job and returns its id.
func submitJob(t *testing.T, client *http.Client, payload map[string]any) string {
	t.Helper()
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	status := doJSON(t, client, newRequest(t, http.MethodPost, "/v1/jobs", payload), &created)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "queued", created.Status)
	return created.ID
}

type jobDetail struct {
	Job struct {
		ID              string `json:"id"`
		Status          string `json:"status"`
		Mode            string `json:"mode"`
		CancelRequested bool   `json:"cancel_requested"`
		ConversationID  string `json:"conversation_id"`
		LastError       string `json:"last_error"`
		Usage           struct {
			Steps     int `json:"steps"`
			Tokens    int `json:"tokens"`
			CostCents int `json:"cost_cents"`
		} `json:"usage"`
	} `json:"job"`
	Events []struct {
		Kind    string `json:"kind"`
		Summary string `json:"summary"`
	} `json:"events"`
	WorkerStatus string `json:"worker_status"`
}

func getJob(t *testing.T, client *http.Client, id string) jobDetail {
	t.Helper()
	var detail jobDetail
	status := doJSON(t, client, newRequest(t, http.MethodGet, "/v1/jobs/"+id, nil), &detail)
	require.Equal(t, http.StatusOK, status)
	return detail
}

// waitForStatus polls until the job reaches one of the wanted statuses.
func waitForStatus(t *testing.T, client *http.Client, id string, timeout time.Duration, want ...string) jobDetail {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last jobDetail
	for time.Now().Before(deadline) {
		last = getJob(t, client, id)
		for _, w := range want {
			if last.Job.Status == w {
				return last
			}
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("job %s stuck in %q, wanted one of %v", id, last.Job.Status, want)
	return last
}

func terminalStatuses() []string { return []string{"succeeded", "failed", "aborted"} }
