package admin

import (
	"context"
	"testing"
	"time"

	"moodchat/backend/internal/models"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cutoff = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestListRoomsQuery(t *testing.T) {
	sqlStr, args, err := listRoomsQuery([]models.RoomStatus{models.StatusWaiting, models.StatusActive}, 20).ToSql()
	require.NoError(t, err)

	assert.Contains(t, sqlStr, "FROM rooms r LEFT JOIN messages m ON m.room_id = r.id")
	assert.Contains(t, sqlStr, "WHERE r.status = ANY($1)")
	assert.Contains(t, sqlStr, "GROUP BY r.id ORDER BY r.created_at DESC")
	assert.Contains(t, sqlStr, "LIMIT 20")
	require.Len(t, args, 1)
	assert.Equal(t, pq.Array([]string{"waiting", "active"}), args[0])
}

func TestListRoomsQuery_Unfiltered(t *testing.T) {
	sqlStr, args, err := listRoomsQuery(nil, 0).ToSql()
	require.NoError(t, err)

	assert.NotContains(t, sqlStr, "WHERE")
	assert.NotContains(t, sqlStr, "LIMIT")
	assert.Empty(t, args)
}

func TestEndRoomQuery(t *testing.T) {
	sqlStr, args, err := endRoomQuery("room-1", cutoff).ToSql()
	require.NoError(t, err)

	assert.Equal(t, "UPDATE rooms SET status = $1, updated_at = $2 WHERE id = $3 AND status <> $4", sqlStr)
	assert.Equal(t, []interface{}{"ended", cutoff, "room-1", "ended"}, args)
}

func TestSweepWaitingQuery(t *testing.T) {
	sqlStr, args, err := sweepWaitingQuery(cutoff).ToSql()
	require.NoError(t, err)

	assert.Equal(t, "DELETE FROM rooms WHERE status = $1 AND user2_id IS NULL AND created_at < $2", sqlStr)
	assert.Equal(t, []interface{}{"waiting", cutoff}, args)
}

func TestPurgeQueries(t *testing.T) {
	queries := purgeQueries(cutoff)
	require.Len(t, queries, 3)

	// Rooms go last so the subquery still finds them for messages and keys.
	wantTables := []string{"DELETE FROM messages WHERE room_id IN", "DELETE FROM room_keys WHERE room_id IN", "DELETE FROM rooms WHERE id IN"}
	for i, q := range queries {
		sqlStr, args, err := q.ToSql()
		require.NoError(t, err)
		assert.Contains(t, sqlStr, wantTables[i])
		assert.Contains(t, sqlStr, "(SELECT id FROM rooms WHERE status = $1 AND updated_at < $2)")
		assert.Equal(t, []interface{}{"ended", cutoff}, args)
	}
}

func TestRetentionValidation(t *testing.T) {
	s := NewService(nil, nil, nil)

	_, err := s.SweepWaiting(context.Background(), 0)
	assert.Error(t, err)
	_, err = s.PurgeEnded(context.Background(), -time.Hour)
	assert.Error(t, err)
}
