package storage

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Flute 1":          "flute-1",
		"Bb Clarinet 2":    "bb-clarinet-2",
		"Horn in F":        "horn-in-f",
		"  Oboe / English": "oboe-english",
		"***":              "part",
		"":                 "part",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slug(in), "input %q", in)
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "smart-upload/s1/original.pdf", OriginalKey("s1", ".pdf"))
	assert.Equal(t, "smart-upload/s1/original.pdf", OriginalKey("s1", "pdf"))
	assert.Equal(t, "smart-upload/s1/original", OriginalKey("s1", ""))
	assert.Equal(t, "smart-upload/s1/parts/flute-1.pdf", PartKey("s1", "Flute 1"))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.PutObject(ctx, "k", []byte("data"), Metadata{"a": "b"}))

	rc, err := store.GetObject(ctx, "k")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "data", string(got))

	meta, ok := store.Meta("k")
	require.True(t, ok)
	assert.Equal(t, "b", meta["a"])
}

func TestMemoryStoreMissingKey(t *testing.T) {
	_, err := NewMemoryStore().GetObject(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStoreDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.PutObject(ctx, "k", []byte("data"), nil))
	require.NoError(t, store.DeleteObject(ctx, "k"))
	require.NoError(t, store.DeleteObject(ctx, "k"))
	assert.Zero(t, store.Len())
}

func TestMemoryStoreCopiesData(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	data := []byte("original")
	require.NoError(t, store.PutObject(ctx, "k", data, nil))
	data[0] = 'X'

	rc, err := store.GetObject(ctx, "k")
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "original", string(got))
}
