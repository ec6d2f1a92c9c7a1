package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tes-profile-go/internal/config"
	"tes-profile-go/internal/persist"
)

func TestRunFlushesMetadataWhenSinksFail(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	cfg := config.Default()
	cfg.Debug = true
	cfg.PICamEnabled = false
	cfg.Beamline = "TES-test"
	cfg.MetadataDir = filepath.Join(dir, "md")
	cfg.DocLogEnabled = true
	cfg.DocLogDir = filepath.Join(blocker, "doclog")

	err := run(context.Background(), cfg, runOptions{}, zap.NewNop())
	assert.ErrorContains(t, err, "build document sinks")

	codec, err := persist.CodecByName(cfg.MetadataCodec)
	require.NoError(t, err)
	md, err := persist.Open(cfg.MetadataDir, persist.WithCodec(codec))
	require.NoError(t, err)
	defer md.Close()
	got, err := md.Get("beamline_id")
	require.NoError(t, err)
	assert.Equal(t, "TES-test", got)
}
