package httpsource

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agents-console/internal/shared/eventsource"
	"agents-console/pkg/logging"
)

// recordedRequest 记录收到的请求
type recordedRequest struct {
	Path  string
	Query string
	Auth  string
}

type recorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (r *recorder) record(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, recordedRequest{
		Path:  req.URL.Path,
		Query: req.URL.RawQuery,
		Auth:  req.Header.Get("Authorization"),
	})
}

func (r *recorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.requests...)
}

func newClient(t *testing.T, srv *httptest.Server, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = srv.URL
	cfg.Logger = logging.Discard()
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestFetchFullEnvelope(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"events":[{"seq":1,"type":"run_started"},{"seq":2,"type":"message"}],"count":2}`)
	}))
	defer srv.Close()

	c := newClient(t, srv, Config{Token: "secret-token"})
	events, err := c.FetchFull(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "run_started", events[0].Kind)

	reqs := rec.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/api/v1/runs/run-1/events", reqs[0].Path)
	assert.Contains(t, reqs[0].Query, "from_seq=0")
	assert.Equal(t, "Bearer secret-token", reqs[0].Auth)
}

func TestFetchFullPaginates(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		from, _ := strconv.Atoi(r.URL.Query().Get("from_seq"))
		switch from {
		case 0:
			fmt.Fprint(w, `[{"seq":1,"type":"a"},{"seq":2,"type":"b"}]`)
		case 2:
			fmt.Fprint(w, `[{"seq":3,"type":"end"}]`)
		default:
			fmt.Fprint(w, `[]`)
		}
	}))
	defer srv.Close()

	c := newClient(t, srv, Config{PageSize: 2})
	events, err := c.FetchFull(context.Background(), "run-2")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "end", events[2].Kind)
	assert.Len(t, rec.all(), 2)
}

func TestFetchFullNDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprint(w, "{\"type\":\"message\"}\ngarbage\n{\"type\":\"completed\"}\n")
	}))
	defer srv.Close()

	c := newClient(t, srv, Config{})
	events, err := c.FetchFull(context.Background(), "run-3")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "completed", events[1].Kind)
}

func TestFetchFullEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newClient(t, srv, Config{})
	events, err := c.FetchFull(context.Background(), "run-4")
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestFetchFullErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
		benign bool
	}{
		{"not found", http.StatusNotFound, errdefs.IsNotFound, true},
		{"bad gateway", http.StatusBadGateway, errdefs.IsUnavailable, true},
		{"unauthorized", http.StatusUnauthorized, errdefs.IsUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c := newClient(t, srv, Config{})
			_, err := c.FetchFull(context.Background(), "run-x")
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected class: %v", err)
			assert.Equal(t, tt.benign, eventsource.IsBenign(err))
		})
	}
}

func TestFetchFullConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url, Logger: logging.Discard()})
	require.NoError(t, err)

	_, err = c.FetchFull(context.Background(), "run-y")
	require.Error(t, err)
	assert.True(t, eventsource.IsBenign(err))
}

func TestFetchNext(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		switch r.URL.Query().Get("after") {
		case "0":
			fmt.Fprint(w, `{"entry":{"type":"activity","payload":{"actor":"a","status":"running","message":"m"}},"total_available":3}`)
		case "1":
			w.WriteHeader(http.StatusNotFound)
		default:
			fmt.Fprint(w, `{"entry":null,"total_available":5}`)
		}
	}))
	defer srv.Close()

	c := newClient(t, srv, Config{})

	inc, err := c.FetchNext(context.Background(), "sess-1", 0)
	require.NoError(t, err)
	require.True(t, inc.Present())
	assert.Equal(t, "activity", inc.Event.Kind)
	assert.Equal(t, 3, inc.TotalAvailable)

	inc, err = c.FetchNext(context.Background(), "sess-1", 1)
	require.NoError(t, err)
	assert.False(t, inc.Present())
	assert.False(t, inc.HasTotal)

	inc, err = c.FetchNext(context.Background(), "sess-1", 2)
	require.NoError(t, err)
	assert.False(t, inc.Present())
	assert.True(t, inc.Behind(2))

	reqs := rec.all()
	require.Len(t, reqs, 3)
	assert.Equal(t, "/api/v1/sessions/sess-1/activity/next", reqs[0].Path)
}

func TestFetchNextMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[1,2]`)
	}))
	defer srv.Close()

	c := newClient(t, srv, Config{})
	_, err := c.FetchNext(context.Background(), "sess-2", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, eventsource.ErrMalformed)
	assert.False(t, eventsource.IsBenign(err))
}

func TestCustomPathTemplate(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c := newClient(t, srv, Config{FullPath: "/v2/streams/{id}"})
	_, err := c.FetchFull(context.Background(), "a b")
	require.NoError(t, err)
	assert.Equal(t, "/v2/streams/a b", rec.all()[0].Path)
}
