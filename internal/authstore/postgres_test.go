package authstore

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockedPostgres(t *testing.T, clock *fakeClock) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectPing()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS auth_states")).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS idx_auth_states_expires_at")).
		WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))

	s, err := NewPostgresStore(context.Background(), mock, zap.NewNop(), WithClock(clock.Now))
	require.NoError(t, err)
	return s, mock
}

func TestNewPostgresStorePingFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	pingErr := errors.New("database unavailable")
	mock.ExpectPing().WillReturnError(pingErr)

	_, err = NewPostgresStore(context.Background(), mock, zap.NewNop())
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSave(t *testing.T) {
	clock := newFakeClock()
	s, mock := newMockedPostgres(t, clock)

	now := clock.Now()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO auth_states")).
		WithArgs("u1", "uber", []byte("payload"), now, now.Add(12*time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Save(context.Background(), "u1", "uber", []byte("payload"), 12*time.Hour))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoad(t *testing.T) {
	clock := newFakeClock()
	s, mock := newMockedPostgres(t, clock)
	ctx := context.Background()
	query := regexp.QuoteMeta("SELECT payload, saved_at, expires_at FROM auth_states")
	cols := []string{"payload", "saved_at", "expires_at"}

	mock.ExpectQuery(query).WithArgs("u1", "uber").
		WillReturnRows(pgxmock.NewRows(cols).AddRow([]byte("payload"), clock.Now(), clock.Now().Add(time.Hour)))
	st, err := s.Load(ctx, "u1", "uber")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, []byte("payload"), st.SerializedCookies)

	mock.ExpectQuery(query).WithArgs("u1", "uber").
		WillReturnRows(pgxmock.NewRows(cols).AddRow([]byte("old"), clock.Now().Add(-2*time.Hour), clock.Now().Add(-time.Hour)))
	st, err = s.Load(ctx, "u1", "uber")
	require.NoError(t, err)
	assert.Nil(t, st, "expired rows are ignored")

	mock.ExpectQuery(query).WithArgs("u2", "uber").WillReturnError(pgx.ErrNoRows)
	st, err = s.Load(ctx, "u2", "uber")
	require.NoError(t, err)
	assert.Nil(t, st)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteAndPurge(t *testing.T) {
	clock := newFakeClock()
	s, mock := newMockedPostgres(t, clock)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM auth_states WHERE owner_user_id = $1 AND platform = $2")).
		WithArgs("u1", "uber").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, s.Delete(ctx, "u1", "uber"))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM auth_states WHERE expires_at <= $1")).
		WithArgs(clock.Now()).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	assert.NoError(t, mock.ExpectationsWereMet())
}
