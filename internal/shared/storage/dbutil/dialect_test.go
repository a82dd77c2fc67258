package dbutil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"agents-console/internal/shared/storage/dbutil"
	"agents-console/internal/shared/storage/driver/postgres"
	"agents-console/internal/shared/storage/driver/sqlite"
)

func TestDialects(t *testing.T) {
	const query = `SELECT events FROM stream_snapshots WHERE stream_id = $1::varchar AND completed_at_ms > $2`

	tests := []struct {
		name    string
		dialect dbutil.Dialect
		rebound string
	}{
		{"postgres", &postgres.Dialect{}, query},
		{"sqlite", &sqlite.Dialect{}, `SELECT events FROM stream_snapshots WHERE stream_id = ? AND completed_at_ms > ?`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.rebound, tt.dialect.Rebind(query))
			assert.Equal(t, "ON CONFLICT (stream_id) DO NOTHING", tt.dialect.UpsertConflict("stream_id", nil))
			assert.Equal(t,
				"ON CONFLICT (stream_id) DO UPDATE SET events = EXCLUDED.events, owner_id = EXCLUDED.owner_id",
				tt.dialect.UpsertConflict("stream_id", []string{"events = EXCLUDED.events", "owner_id = EXCLUDED.owner_id"}))
		})
	}
}
