package storage

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/fedutinova/smartlabel/internal/common"
	appconfig "github.com/fedutinova/smartlabel/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalArchive_PutGet(t *testing.T) {
	a, err := NewLocalArchive(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := ResultKey("job-1", time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, "results/2026/03/04/job-1.json", key)

	res, err := a.Put(ctx, key, []byte(`{"label":"greeting"}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, key, res.Key)

	rc, ct, err := a.Get(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"label":"greeting"}`, string(body))
	assert.Equal(t, "application/json", ct)
}

func TestLocalArchive_Errors(t *testing.T) {
	a, err := NewLocalArchive(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = a.Get(ctx, "results/missing.json")
	assert.True(t, common.IsNotFound(err))

	_, err = a.Put(ctx, "../outside.json", []byte("x"), "application/json")
	assert.True(t, common.IsValidation(err))
}

func TestNewArchive_Modes(t *testing.T) {
	ctx := context.Background()

	a, err := NewArchive(ctx, appconfig.Config{ArchiveMode: "none"})
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = NewArchive(ctx, appconfig.Config{ArchiveMode: "local", LocalArchiveDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalArchive{}, a)

	assert.Equal(t, "LocalStack S3", ArchiveType(appconfig.Config{ArchiveMode: "s3", S3Endpoint: "http://localhost:4566"}))
	assert.Equal(t, "AWS S3", ArchiveType(appconfig.Config{ArchiveMode: "s3"}))
	assert.Equal(t, "disabled", ArchiveType(appconfig.Config{}))
}

func TestContentTypeOf(t *testing.T) {
	assert.Equal(t, "text/plain; charset=utf-8", contentTypeOf("", []byte("plain words")))
	assert.Equal(t, "application/json", contentTypeOf("application/json", []byte("x")))
	assert.Contains(t, contentTypeOf("", []byte(`{"label":"greeting"}`)), "json")
}
