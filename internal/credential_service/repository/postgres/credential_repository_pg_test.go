package postgres

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/outreach_services/internal/core_domain"
	"github.com/leadforge/outreach_services/internal/platform/sealer"
)

func TestPgCredentialRepository_GetOpensSealedValue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s, err := sealer.NewFromHex(strings.Repeat("1f", 32))
	require.NoError(t, err)
	repo := NewPgCredentialRepository(mock, s, slog.New(slog.NewTextHandler(io.Discard, nil)))

	sealed, err := s.Seal("AQED-secret")
	require.NoError(t, err)
	checked := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT name, value_sealed`).
		WithArgs("li_at").
		WillReturnRows(pgxmock.NewRows([]string{"name", "value_sealed", "is_valid", "last_checked_at", "updated_at"}).
			AddRow("li_at", sealed, true, &checked, checked))

	c, err := repo.Get(context.Background(), "li_at")
	require.NoError(t, err)
	assert.Equal(t, "AQED-secret", c.Value)
	assert.True(t, c.IsValid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCredentialRepository_UpdateValidityMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s, err := sealer.NewFromHex(strings.Repeat("1f", 32))
	require.NoError(t, err)
	repo := NewPgCredentialRepository(mock, s, slog.New(slog.NewTextHandler(io.Discard, nil)))

	now := time.Now().UTC()
	mock.ExpectExec(`UPDATE credentials SET is_valid`).
		WithArgs(false, now, "li_at").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = repo.UpdateValidity(context.Background(), "li_at", false, now)
	assert.ErrorIs(t, err, core_domain.ErrNotFound)
}
