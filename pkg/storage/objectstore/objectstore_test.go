package objectstore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviders(t *testing.T) {
	c, err := New(Config{Provider: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, c)

	c, err = New(Config{Provider: "minio", Endpoint: "http://localhost:9000", Bucket: "b", AccessKey: "k", SecretKey: "s"})
	require.NoError(t, err)
	assert.NoError(t, c.Close())

	_, err = New(Config{Provider: "minio", Endpoint: "localhost:9000"})
	assert.Error(t, err)

	_, err = New(Config{Provider: "ftp"})
	assert.Error(t, err)
}

func TestMemoryPutGetList(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsureBucket(ctx))

	require.NoError(t, m.Put(ctx, "video/b", strings.NewReader("bb"), 2, "application/x-msgpack", map[string]string{"frames": "2"}))
	require.NoError(t, m.Put(ctx, "video/a", strings.NewReader("a"), 1, "application/x-msgpack", nil))
	require.NoError(t, m.Put(ctx, "audio/a", strings.NewReader("x"), -1, "", nil))

	r, info, ok := m.Get("video/b")
	require.True(t, ok)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "bb", string(data))
	assert.Equal(t, "2", info.Metadata["frames"])

	list := m.List("video/")
	require.Len(t, list, 2)
	assert.Equal(t, "video/a", list[0].Key)

	assert.Error(t, m.Put(ctx, "bad", strings.NewReader("abc"), 5, "", nil))
	_, _, ok = m.Get("bad")
	assert.False(t, ok)
}
