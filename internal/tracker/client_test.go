package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(serverURL string) *Client {
	return NewClient(Config{
		BaseURL:  serverURL,
		Token:    "test-token",
		PageSize: 2,
	})
}

func TestClient_Search(t *testing.T) {
	t.Parallel()

	issues := []RawIssue{
		{ID: "1", Key: "TST-1", Fields: map[string]any{"summary": "one"}},
		{ID: "2", Key: "TST-2", Fields: map[string]any{"summary": "two"}},
		{ID: "3", Key: "TST-3", Fields: map[string]any{"summary": "three"}},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "project = TST", r.URL.Query().Get("jql"))

		startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
		end := startAt + 2
		if end > len(issues) {
			end = len(issues)
		}

		_ = json.NewEncoder(w).Encode(searchResult{
			StartAt:    startAt,
			MaxResults: 2,
			Total:      len(issues),
			Issues:     issues[startAt:end],
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	got, err := client.Search(context.Background(), "project = TST")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "TST-1", got[0].Key)
	assert.Equal(t, "TST-3", got[2].Key)
}

func TestClient_SearchEmptyResult(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(searchResult{Total: 0})
	}))
	defer server.Close()

	got, err := newTestClient(server.URL).Search(context.Background(), "project = EMPTY")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClient_SearchErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		headers map[string]string
		check   func(t *testing.T, err error)
	}{
		{
			name:   "401 is an auth error",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var ae *AuthError
				require.ErrorAs(t, err, &ae)
				assert.Equal(t, http.StatusUnauthorized, ae.Status)
				assert.True(t, IsAuth(err))
			},
		},
		{
			name:   "403 is an auth error",
			status: http.StatusForbidden,
			check: func(t *testing.T, err error) {
				assert.True(t, IsAuth(err))
			},
		},
		{
			name:    "429 carries the retry-after hint",
			status:  http.StatusTooManyRequests,
			headers: map[string]string{"Retry-After": "7"},
			check: func(t *testing.T, err error) {
				var rle *RateLimitError
				require.ErrorAs(t, err, &rle)
				assert.Equal(t, 7*time.Second, rle.RetryAfter)
			},
		},
		{
			name:   "429 without header uses the default wait",
			status: http.StatusTooManyRequests,
			check: func(t *testing.T, err error) {
				var rle *RateLimitError
				require.ErrorAs(t, err, &rle)
				assert.Equal(t, time.Minute, rle.RetryAfter)
			},
		},
		{
			name:   "503 is transient",
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, err error) {
				var te *TransientError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, http.StatusServiceUnavailable, te.Status)
				assert.True(t, IsTransient(err))
			},
		},
		{
			name:   "400 is a client error",
			status: http.StatusBadRequest,
			check: func(t *testing.T, err error) {
				var ce *ClientError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, http.StatusBadRequest, ce.Status)
				assert.False(t, IsAuth(err))
				assert.False(t, IsTransient(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, "error body")
			}))
			defer server.Close()

			_, err := newTestClient(server.URL).Search(context.Background(), "project = TST")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestClient_SearchConnectionRefused(t *testing.T) {
	t.Parallel()

	// Reserve a port, then close it so connections are refused.
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	addr := server.URL
	server.Close()

	_, err := newTestClient(addr).Search(context.Background(), "project = TST")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestRawIssue_Context(t *testing.T) {
	t.Parallel()

	issue := RawIssue{ID: "10", Key: "TST-10", Fields: map[string]any{"summary": "s"}}
	ctx := issue.Context()

	assert.Equal(t, "TST-10", ctx["key"])
	assert.Equal(t, "10", ctx["id"])
	assert.Equal(t, issue.Fields, ctx["fields"])
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		value    string
		expected time.Duration
	}{
		{name: "delta seconds", value: "30", expected: 30 * time.Second},
		{name: "zero seconds", value: "0", expected: 0},
		{name: "absent falls back", value: "", expected: time.Minute},
		{name: "garbage falls back", value: "soon", expected: time.Minute},
		{name: "negative falls back", value: "-5", expected: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, parseRetryAfter(tt.value, time.Minute))
		})
	}
}

func TestClassifyStatusTieBreak(t *testing.T) {
	t.Parallel()

	// 401 must classify as auth even though it is also a 4xx.
	err := classifyStatus(401, "", "", time.Minute)
	assert.True(t, IsAuth(err))

	// 429 must classify as rate limit, not generic client error.
	var rle *RateLimitError
	assert.ErrorAs(t, classifyStatus(429, "", "2", time.Minute), &rle)

	var ce *ClientError
	assert.ErrorAs(t, classifyStatus(404, "not found", "", time.Minute), &ce)
	assert.Equal(t, "not found", ce.Message)
}

func TestTransientErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: connection refused")
	err := &TransientError{Err: cause}
	assert.ErrorIs(t, err, cause)
}
