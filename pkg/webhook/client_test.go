package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/kepler-labs/kepler/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_PostsEventEnvelope(t *testing.T) {
	var gotPath string
	var gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-token", "run-1")
	err := c.Publish(telemetry.KindRunLog, telemetry.RunLog{Stage: "stage1_baseline", Message: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "/run-1/run-log", gotPath)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	require.Contains(t, gotBody, "event")
}

func TestPublish_RunStartedSendsEmptyBody(t *testing.T) {
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "run-1")
	err := c.Publish(telemetry.KindRunStarted, nil)
	require.NoError(t, err)
	assert.Empty(t, gotBody)
}

func TestPublish_RetriesOnFailureThenSucceeds(t *testing.T) {
	var attempts int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "run-1").WithFastRetryForTests()
	err := c.Publish(telemetry.KindHeartbeat, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestPublish_FailsAfterMaxAttempts(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "run-1").WithFastRetryForTests()

	err := c.Publish(telemetry.KindHeartbeat, nil)
	assert.Error(t, err)
	assert.Equal(t, int32(maxAttempts), atomic.LoadInt32(&attempts))
}

func TestPublish_FatalStatusIsNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "run-1").WithFastRetryForTests()

	err := c.Publish(telemetry.KindHeartbeat, nil)
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestPublish_RetriesOn429ThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "run-1").WithFastRetryForTests()
	err := c.Publish(telemetry.KindHeartbeat, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestPublishCodexEventsBulk_PostsEventsArray(t *testing.T) {
	var gotBody struct {
		Events []telemetry.CodexEventItem `json:"events"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "run-1")
	err := c.PublishCodexEventsBulk([]telemetry.CodexEventItem{{ExecutionID: "e1"}, {ExecutionID: "e2"}})
	require.NoError(t, err)
	assert.Len(t, gotBody.Events, 2)
}

func TestPublishCodexEventsBulk_EmptyIsNoop(t *testing.T) {
	c := New("http://unreachable.invalid", "", "run-1")
	err := c.PublishCodexEventsBulk(nil)
	assert.NoError(t, err)
}

func TestPublish_UnknownKindReturnsError(t *testing.T) {
	c := New("http://example.com", "", "run-1")
	err := c.Publish(telemetry.Kind("not-a-real-kind"), nil)
	assert.Error(t, err)
}
