package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prime-checker/internal/api"
	"prime-checker/internal/checks"
	"prime-checker/internal/config"
	"prime-checker/internal/models"
	"prime-checker/internal/store/memory"
)

func newAPI(t *testing.T) (*Client, *memory.Store) {
	t.Helper()
	st := memory.New()
	cfg := config.Config{MaxBodyBytes: 1 << 10, TraceViewerURL: "http://jaeger.local/trace/{id}"}
	ts := httptest.NewServer(api.New(cfg, checks.NewService(st)).Router())
	t.Cleanup(ts.Close)
	c, err := New(ts.URL+"/", 2*time.Second)
	require.NoError(t, err)
	return c, st
}

func TestSubmitGetList(t *testing.T) {
	ctx := context.Background()
	c, st := newAPI(t)

	created, err := c.Submit(ctx, "7919")
	require.NoError(t, err)
	assert.Equal(t, "7919", created.Number)
	assert.Equal(t, models.StatusProcessing, created.Status)

	fin := models.Completed(created.ID, true)
	fin.TraceID = "0af7651916cd43dd8448eb211c80319c"
	_, err = st.FinalizeCheck(ctx, fin)
	require.NoError(t, err)

	// the response carries a links object the client does not model
	got, err := c.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.IsPrime)
	assert.True(t, *got.IsPrime)
	assert.Equal(t, fin.TraceID, got.TraceID)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
}

func TestErrorMapping(t *testing.T) {
	ctx := context.Background()
	c, _ := newAPI(t)

	_, err := c.Submit(ctx, "  ")
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.False(t, IsTransient(err))

	_, err = c.Get(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = c.Get(ctx, "")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestServerErrorsAreTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/checks":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"store down"}`))
		default:
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte(`{"code":"teapot","message":"short and stout","request_id":"r1"}`))
		}
	}))
	defer ts.Close()
	c := NewWithHTTPClient(ts.URL, ts.Client())

	_, err := c.List(context.Background())
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusServiceUnavailable, fe.Status)
	assert.Contains(t, err.Error(), "store down")
	assert.True(t, IsTransient(err))

	_, err = c.Get(context.Background(), "x")
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "teapot", ae.Code)
	assert.Equal(t, "r1", ae.RequestID)
	assert.False(t, IsTransient(err))
}

func TestUnreachableServerIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := New(url, time.Second)
	require.NoError(t, err)
	_, err = c.List(context.Background())
	assert.True(t, IsTransient(err))
	assert.False(t, errors.Is(err, models.ErrNotFound))
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("localhost:8080", time.Second)
	assert.Error(t, err)
	_, err = New("ftp://example.com", time.Second)
	assert.Error(t, err)
}
