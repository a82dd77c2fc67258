package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agents-console/internal/config"
	"agents-console/internal/shared/eventsource/httpsource"
	"agents-console/internal/shared/snapshot"
	"agents-console/internal/shared/snapshot/sqlstore"
	"agents-console/pkg/logging"
)

func TestBuildSource(t *testing.T) {
	cfg := &config.Config{}
	cfg.Source.Driver = config.SourceHTTP
	cfg.Backend.URL = "http://localhost:8080"

	src, err := buildSource(cfg, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &httpsource.Client{}, src)

	cfg.Source.Driver = "kafka"
	_, err = buildSource(cfg, logging.Discard())
	assert.Error(t, err)
}

func TestBuildArchive(t *testing.T) {
	cfg := &config.Config{}

	cfg.Archive.Driver = config.ArchiveNone
	store, err := buildArchive(cfg, logging.Discard())
	require.NoError(t, err)
	assert.Nil(t, store)

	cfg.Archive.Driver = config.ArchiveMemory
	store, err = buildArchive(cfg, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &snapshot.MemoryStore{}, store)

	cfg.Archive.Driver = config.ArchiveSQLite
	cfg.Archive.Path = filepath.Join(t.TempDir(), "snapshots.db")
	store, err = buildArchive(cfg, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &sqlstore.Store{}, store)
	assert.NoError(t, store.Close())

	cfg.Archive.Driver = "cassandra"
	_, err = buildArchive(cfg, logging.Discard())
	assert.Error(t, err)
}
