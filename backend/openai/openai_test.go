package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/execpool/core"
)

type fakeAPI struct {
	status      atomic.Value // container status returned by GET
	deleteCodes []int
	deletes     atomic.Int32
	lastBody    atomic.Value
	response    string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Backend) {
	t.Helper()
	f := &fakeAPI{}
	f.status.Store("running")
	f.response = `{
		"id": "resp_1",
		"object": "response",
		"status": "completed",
		"output": [{
			"type": "code_interpreter_call",
			"id": "ci_1",
			"code": "print(6*7)",
			"container_id": "cntr_1",
			"status": "completed",
			"outputs": [{"type": "logs", "logs": "42\n"}]
		}]
	}`

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/containers", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.lastBody.Store(body)
		writeJSON(w, http.StatusOK, `{"id":"cntr_1","object":"container","name":"x","status":"running","created_at":1}`)
	})
	mux.HandleFunc("GET /v1/containers/cntr_1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"cntr_1","object":"container","name":"x","status":"`+f.status.Load().(string)+`","created_at":1}`)
	})
	mux.HandleFunc("DELETE /v1/containers/cntr_1", func(w http.ResponseWriter, r *http.Request) {
		n := int(f.deletes.Add(1)) - 1
		code := http.StatusOK
		if n < len(f.deleteCodes) {
			code = f.deleteCodes[n]
		}
		if code >= 400 {
			writeJSON(w, code, `{"error":{"message":"nope","type":"server_error"}}`)
			return
		}
		w.WriteHeader(code)
	})
	mux.HandleFunc("POST /v1/responses", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.lastBody.Store(body)
		writeJSON(w, http.StatusOK, f.response)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	client := openai.NewClient(
		option.WithBaseURL(ts.URL+"/v1/"),
		option.WithAPIKey("test"),
	)
	return f, NewFromClient(&client)
}

func writeJSON(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func TestBackend_CreateAndExecute(t *testing.T) {
	f, b := newFakeAPI(t)
	assert.Equal(t, Name, b.Name())

	h, err := b.Create(context.Background(), core.CreateRequest{Key: "s1", OwnerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "cntr_1", h.ID())

	body := f.lastBody.Load().(map[string]any)
	assert.Contains(t, body["name"], "execpool-")
	assert.Equal(t, "last_active_at", body["expires_after"].(map[string]any)["anchor"])

	res, err := h.Execute(context.Background(), core.Payload{Code: "print(6*7)"})
	require.NoError(t, err)
	assert.Equal(t, "42\n", res.Stdout)
	assert.Zero(t, res.ExitCode)

	body = f.lastBody.Load().(map[string]any)
	assert.Equal(t, "print(6*7)", body["input"])
	tool := body["tools"].([]any)[0].(map[string]any)
	assert.Equal(t, "code_interpreter", tool["type"])
	assert.Equal(t, "cntr_1", tool["container"])
}

func TestSession_PingReportsExpiredContainer(t *testing.T) {
	f, b := newFakeAPI(t)
	h, err := b.Create(context.Background(), core.CreateRequest{Key: "s1"})
	require.NoError(t, err)

	require.NoError(t, h.Ping(context.Background()))

	f.status.Store("expired")
	assert.ErrorContains(t, h.Ping(context.Background()), "expired")
}

func TestSession_ExecuteWithoutToolCall(t *testing.T) {
	f, b := newFakeAPI(t)
	f.response = `{"id":"resp_2","object":"response","status":"completed","output":[{"type":"message","id":"m1","role":"assistant","status":"completed","content":[{"type":"output_text","text":"I cannot run that.","annotations":[]}]}]}`
	h, err := b.Create(context.Background(), core.CreateRequest{Key: "s1"})
	require.NoError(t, err)

	res, err := h.Execute(context.Background(), core.Payload{Code: "rm -rf /"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "I cannot run that.", res.Stderr)
}

func TestSession_CloseRetriesTransientErrors(t *testing.T) {
	f, b := newFakeAPI(t)
	f.deleteCodes = []int{http.StatusServiceUnavailable, http.StatusOK}
	h, err := b.Create(context.Background(), core.CreateRequest{Key: "s1"})
	require.NoError(t, err)

	require.NoError(t, h.Close(context.Background()))
	assert.Equal(t, int32(2), f.deletes.Load())
}

func TestSession_CloseTreatsNotFoundAsClosed(t *testing.T) {
	f, b := newFakeAPI(t)
	f.deleteCodes = []int{http.StatusNotFound}
	h, err := b.Create(context.Background(), core.CreateRequest{Key: "s1"})
	require.NoError(t, err)

	require.NoError(t, h.Close(context.Background()))
	assert.Equal(t, int32(1), f.deletes.Load())
}

func TestSession_CloseDoesNotRetryClientErrors(t *testing.T) {
	f, b := newFakeAPI(t)
	f.deleteCodes = []int{http.StatusBadRequest, http.StatusOK}
	h, err := b.Create(context.Background(), core.CreateRequest{Key: "s1"})
	require.NoError(t, err)

	assert.Error(t, h.Close(context.Background()))
	assert.Equal(t, int32(1), f.deletes.Load())
}

func TestBackend_NewDoesNotRetry(t *testing.T) {
	var containerPosts, responsePosts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/containers", func(w http.ResponseWriter, r *http.Request) {
		containerPosts.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, `{"error":{"message":"unavailable","type":"server_error"}}`)
	})
	mux.HandleFunc("POST /v1/responses", func(w http.ResponseWriter, r *http.Request) {
		responsePosts.Add(1)
		writeJSON(w, http.StatusInternalServerError, `{"error":{"message":"boom","type":"server_error"}}`)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	b := New(func(o *Options) {
		o.APIKey = "test"
		o.BaseURL = ts.URL + "/v1/"
	})

	_, err := b.Create(context.Background(), core.CreateRequest{Key: "s1"})
	require.Error(t, err)
	assert.Equal(t, int32(1), containerPosts.Load())

	s := &Session{backend: b, id: "cntr_1"}
	_, err = s.Execute(context.Background(), core.Payload{Code: "print(1)"})
	require.Error(t, err)
	assert.Equal(t, int32(1), responsePosts.Load())
}

func TestBackend_MissingCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	b := New()

	_, err := b.Create(context.Background(), core.CreateRequest{Key: "s1"})
	assert.ErrorIs(t, err, core.ErrMissingCredentials)
}
