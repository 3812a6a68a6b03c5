package storage

import (
	"context"
	"testing"
	"time"

	"go-poolguard/pkg/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewMySQLStore(db, zap.NewNop().Sugar()), mock
}

func TestMySQLStore_BlockForPoolFirstTime(t *testing.T) {
	s, mock := newMockStore(t)
	u := upsert("1.2.3.4", "34001", 7, refTime)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO blocked_ips .* expires_at = GREATEST\(`).
		WithArgs("1.2.3.4", u.ExpiresAt(), u.Reason, "acct-a", refTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO blocked_ip_pools").
		WithArgs("1.2.3.4", "34001", u.ExpiresAt(), refTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	first, err := s.BlockForPool(context.Background(), u)
	require.NoError(t, err)
	assert.True(t, first)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_BlockForPoolRepeat(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO blocked_ips").WillReturnResult(sqlmock.NewResult(0, 2))
	// ON DUPLICATE KEY UPDATE 命中已有行时 RowsAffected 为 2
	mock.ExpectExec("INSERT INTO blocked_ip_pools").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	first, err := s.BlockForPool(context.Background(), upsert("1.2.3.4", "34001", 7, refTime))
	require.NoError(t, err)
	assert.False(t, first)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_BlockForPoolRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO blocked_ips").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO blocked_ip_pools").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := s.BlockForPool(context.Background(), upsert("1.2.3.4", "34001", 7, refTime))
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_GetBlockedIP(t *testing.T) {
	s, mock := newMockStore(t)
	exp := refTime.Add(7 * 24 * time.Hour)

	mock.ExpectQuery("SELECT is_global, expires_at").
		WithArgs("1.2.3.4").
		WillReturnRows(sqlmock.NewRows([]string{"is_global", "expires_at", "detection_count", "reason", "blocked_by_user_id", "blocked_at"}).
			AddRow(false, exp, 3, "Collective protection", "acct-a", refTime))
	mock.ExpectQuery("SELECT pool_code, expires_at, blocked_at").
		WithArgs("1.2.3.4").
		WillReturnRows(sqlmock.NewRows([]string{"pool_code", "expires_at", "blocked_at"}).
			AddRow("34001", refTime.Add(24*time.Hour), refTime).
			AddRow("34002", exp, refTime.Add(time.Hour)))

	b, err := s.GetBlockedIP(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, []string{"34001", "34002"}, b.PoolCodes)
	assert.Equal(t, 3, b.DetectionCount)
	assert.Equal(t, exp, *b.ExpiresAt)
	assert.False(t, b.ActiveInPool("34001", refTime.Add(48*time.Hour)))
	assert.True(t, b.ActiveInPool("34002", refTime.Add(48*time.Hour)))
	assert.False(t, b.Expired(refTime.Add(48*time.Hour)))
	assert.Equal(t, refTime.Add(time.Hour), b.PoolBlockedAt["34002"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_GetBlockedIPMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT is_global, expires_at").
		WithArgs("8.8.8.8").
		WillReturnRows(sqlmock.NewRows([]string{"is_global", "expires_at", "detection_count", "reason", "blocked_by_user_id", "blocked_at"}))

	b, err := s.GetBlockedIP(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_RemoveExpiredSkipsLiveRecord(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM blocked_ips\s+WHERE ip_address = \? AND is_global = FALSE\s+AND NOT EXISTS \(SELECT 1 FROM blocked_ip_pools WHERE ip_address = \? AND expires_at > \?\)`).
		WithArgs("1.2.3.4", "1.2.3.4", refTime).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	removed, err := s.RemoveExpired(context.Background(), "1.2.3.4", refTime)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_RemoveExpired(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM blocked_ips").
		WithArgs("1.2.3.4", "1.2.3.4", refTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM blocked_ip_pools").WithArgs("1.2.3.4").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	removed, err := s.RemoveExpired(context.Background(), "1.2.3.4", refTime)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_CountPoolBlocksSinceUsesPoolEntryTime(t *testing.T) {
	s, mock := newMockStore(t)
	since := refTime.Add(-24 * time.Hour)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM blocked_ip_pools WHERE pool_code = \? AND blocked_at >= \?`).
		WithArgs("34001", since).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(4))

	n, err := s.CountPoolBlocksSince(context.Background(), "34001", since)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_PoolIPs(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT DISTINCT ip_address FROM blocked_ip_pools WHERE pool_code IN \(\?,\?\)`).
		WithArgs("34001", "34002", refTime).
		WillReturnRows(sqlmock.NewRows([]string{"ip_address"}).AddRow("1.2.3.4").AddRow("5.6.7.8"))

	ips, err := s.PoolIPs(context.Background(), []string{"34001", "34002"}, refTime)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4", "5.6.7.8"}, ips)

	ips, err = s.PoolIPs(context.Background(), nil, refTime)
	require.NoError(t, err)
	assert.Empty(t, ips)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_UpsertMembershipRejoin(t *testing.T) {
	s, mock := newMockStore(t)
	m := models.PoolMembership{PoolCode: "34001", AccountID: "acct-a", ClickThreshold: 3, BlockDurationDays: 7, Active: true, JoinedAt: refTime}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pool_code FROM pools").
		WithArgs("34001").
		WillReturnRows(sqlmock.NewRows([]string{"pool_code"}).AddRow("34001"))
	mock.ExpectExec("INSERT INTO pool_members").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	created, err := s.UpsertMembership(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_UpsertMembershipNewMember(t *testing.T) {
	s, mock := newMockStore(t)
	m := models.PoolMembership{PoolCode: "34001", AccountID: "acct-b", ClickThreshold: 5, BlockDurationDays: 7, Active: true, JoinedAt: refTime}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pool_code FROM pools").
		WillReturnRows(sqlmock.NewRows([]string{"pool_code"}).AddRow("34001"))
	mock.ExpectExec("INSERT INTO pool_members").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE pools SET member_count").WithArgs("34001").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := s.UpsertMembership(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_UpsertMembershipUnknownPool(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pool_code FROM pools").
		WillReturnRows(sqlmock.NewRows([]string{"pool_code"}))
	mock.ExpectRollback()

	_, err := s.UpsertMembership(context.Background(), models.PoolMembership{PoolCode: "99999", AccountID: "acct-a"})
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_ClickStats(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT device_type, COUNT").
		WithArgs("acct-a", "acct-a", "", "").
		WillReturnRows(sqlmock.NewRows([]string{"device_type", "count", "suspicious", "blocked"}).
			AddRow("mobile", 3, 1, 0).
			AddRow("desktop", 1, 1, 1))

	stats, err := s.ClickStats(context.Background(), "acct-a", "")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Suspicious)
	assert.Equal(t, 1, stats.Blocked)
	assert.Equal(t, 2, stats.Clean)
	assert.Equal(t, 50.0, stats.FraudPercentage)
	assert.Equal(t, 3, stats.Devices["mobile"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_Migrate(t *testing.T) {
	s, mock := newMockStore(t)

	for range mysqlSchema {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
