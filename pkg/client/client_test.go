package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	bhttp "bboxkv/internal/http"
	"bboxkv/pkg/config"
	"bboxkv/pkg/storage"
	"bboxkv/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNode(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default().Storage
	cfg.RootPath = t.TempDir()
	cfg.Flush.ShutdownPollInterval = 5 * time.Millisecond

	reg, err := storage.NewRegistry(cfg)
	require.NoError(t, err)
	require.NoError(t, reg.Start(context.Background()))

	srv := httptest.NewServer(bhttp.NewServer(reg, 0).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return New(srv.URL + "/")
}

func TestClient_RoundTrip(t *testing.T) {
	c := newNode(t)
	ctx := context.Background()
	const table = types.TableName("points")

	require.NoError(t, c.Health(ctx))

	require.NoError(t, c.Put(ctx, table, types.Tuple{Key: "a b", Box: types.Box(0, 1), Value: []byte{0, 1, 2}}))
	require.NoError(t, c.Put(ctx, table, types.Tuple{Key: "c/d", Box: types.Box(3, 4), Version: 7}))

	got, err := c.Get(ctx, table, "a b")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, got.Value)
	assert.True(t, got.Box.Equal(types.Box(0, 1)))

	got, err = c.Get(ctx, table, "c/d")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Version)

	require.NoError(t, c.Flush(ctx, table, true))

	tuples, err := c.Query(ctx, table, types.Box(0.5, 3.5))
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, "a b", tuples[0].Key)

	require.NoError(t, c.Delete(ctx, table, "a b"))
	_, err = c.Get(ctx, table, "a b")
	assert.ErrorIs(t, err, ErrNotFound)

	tables, err := c.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"points"}, tables)

	require.NoError(t, c.Clear(ctx, table))
	tuples, err = c.Query(ctx, table, types.FullSpace)
	require.NoError(t, err)
	assert.Empty(t, tuples)
}

func TestClient_StatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte("short and stout"))
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	assert.ErrorIs(t, c.Health(ctx), ErrUnavailable)

	err := c.Put(ctx, "points", types.Tuple{Key: "a"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTeapot, se.Code)
	assert.Equal(t, "short and stout", se.Body)
}
