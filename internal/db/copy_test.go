package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "provenance_records", []string{"id", "type"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"provenance_records"}, []string{"id", "type"}).WillReturnResult(2)

	rows := [][]any{{"rec-1", "DOCUMENT"}, {"rec-2", "OCR_RESULT"}}
	n, err := CopyFrom(context.Background(), mock, "provenance_records", []string{"id", "type"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"provenance_records"}, []string{"id"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "provenance_records", []string{"id"}, [][]any{{"rec-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO provenance_records")
	assert.NoError(t, mock.ExpectationsWereMet())
}
