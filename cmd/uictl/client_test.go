package main

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hairizuanbinnoorazman/ui-verdict/testrun"
)

func newTestClient(url, token string) *Client {
	return &Client{baseURL: url, token: token, httpClient: &http.Client{Timeout: 5 * time.Second}}
}

func TestClient_Authorization(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, "secret").Get("/x", nil)
	require.NoError(t, err)
	_, err = newTestClient(srv.URL, "").Get("/x", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Bearer secret", ""}, got)
}

func TestClient_APIError(t *testing.T) {
	runID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"run_id":"` + runID.String() + `","status":"failed","error":"invalid automation script"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, "").Post("/api/v1/runs", SubmitRunRequest{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Contains(t, string(apiErr.Body), runID.String())
}

func TestClient_PutRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer srv.Close()

	body, err := newTestClient(srv.URL, "").PutRaw("/state", []byte(`{"cookies":[],"origins":[]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"cookies":[],"origins":[]}`, string(body))
}

func TestWaitForRun(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := testrun.StatusRunning
		if calls >= 3 {
			status = testrun.StatusSuccess
		}
		w.Write([]byte(`{"run_id":"` + uuid.NewString() + `","status":"` + string(status) + `","verdict":{"verdict":"passed","confidence":0.9}}`))
	}))
	defer srv.Close()

	run, raw, err := waitForRun(newTestClient(srv.URL, ""), uuid.New(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, testrun.StatusSuccess, run.Status)
	require.NotNil(t, run.Verdict)
	assert.Equal(t, "passed", run.Verdict.Verdict)
	assert.NotEmpty(t, raw)
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "(not set)"},
		{"short", "****"},
		{"sk-1234567890abcd", "sk-1...abcd"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskSecret(tt.in))
	}
}
