package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"land-office/internal/core"
)

func TestSequences_ExhaustedSeriesIsRefused(t *testing.T) {
	f := setupEngine(t)
	_, err := f.pool.Exec(f.ctx,
		`INSERT INTO sequence_counters (prefix, year, last_number) VALUES ('AGR', 2026, 9999)`)
	require.NoError(t, err)

	_, err = f.eng.Sequences.Next(f.ctx, core.SeqAgreement, 2026)
	requireKind(t, err, core.ErrConsistency)

	var last int64
	require.NoError(t, f.pool.QueryRow(f.ctx,
		`SELECT last_number FROM sequence_counters WHERE prefix = 'AGR' AND year = 2026`).Scan(&last))
	assert.Equal(t, int64(9999), last)

	next, err := f.eng.Sequences.Next(f.ctx, core.SeqAgreement, 2027)
	require.NoError(t, err)
	assert.Equal(t, "AGR-2027-0001", next)
}
