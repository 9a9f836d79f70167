// Package admin holds the maintenance operations run by cmd/admin directly
// against PostgreSQL: inspecting rooms, force-ending one, and sweeping rows
// the chat sessions leave behind.
package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"moodchat/backend/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	roomsTable    = "rooms"
	messagesTable = "messages"
	keysTable     = "room_keys"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// RoomSummary is one row of the rooms listing.
type RoomSummary struct {
	ID        string
	Mood      models.Mood
	Status    models.RoomStatus
	User1ID   string
	User2ID   sql.NullString
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  int
}

// Service runs the maintenance queries.
type Service struct {
	DB    *sql.DB
	Clock clockwork.Clock
	Log   *zap.Logger
}

func NewService(db *sql.DB, clock clockwork.Clock, log *zap.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{DB: db, Clock: clock, Log: log.Named("admin")}
}

func listRoomsQuery(statuses []models.RoomStatus, limit uint64) squirrel.SelectBuilder {
	q := psql.
		Select("r.id", "r.mood", "r.status", "r.user1_id", "r.user2_id", "r.created_at", "r.updated_at", "COUNT(m.id)").
		From(roomsTable + " r").
		LeftJoin(messagesTable + " m ON m.room_id = r.id").
		GroupBy("r.id").
		OrderBy("r.created_at DESC")
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		q = q.Where("r.status = ANY(?)", pq.Array(names))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q
}

// ListRooms returns the newest rooms, optionally filtered by status.
func (s *Service) ListRooms(ctx context.Context, statuses []models.RoomStatus, limit uint64) ([]RoomSummary, error) {
	sqlStr, args, err := listRoomsQuery(statuses, limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	rows, err := s.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []RoomSummary
	for rows.Next() {
		var r RoomSummary
		if err := rows.Scan(&r.ID, &r.Mood, &r.Status, &r.User1ID, &r.User2ID, &r.CreatedAt, &r.UpdatedAt, &r.Messages); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func endRoomQuery(roomID string, now time.Time) squirrel.UpdateBuilder {
	return psql.Update(roomsTable).
		Set("status", string(models.StatusEnded)).
		Set("updated_at", now).
		Where(squirrel.Eq{"id": roomID}).
		Where(squirrel.NotEq{"status": string(models.StatusEnded)})
}

// EndRoom force-ends roomID. Sessions in it notice on their next poll.
// It reports whether the room was still open.
func (s *Service) EndRoom(ctx context.Context, roomID string) (bool, error) {
	n, err := s.exec(ctx, endRoomQuery(roomID, s.Clock.Now()))
	if err != nil {
		return false, fmt.Errorf("end room %s: %w", roomID, err)
	}
	s.Log.Info("room force-ended", zap.String("room_id", roomID), zap.Bool("was_open", n > 0))
	return n > 0, nil
}

func sweepWaitingQuery(before time.Time) squirrel.DeleteBuilder {
	return psql.Delete(roomsTable).
		Where(squirrel.Eq{"status": string(models.StatusWaiting), "user2_id": nil}).
		Where(squirrel.Lt{"created_at": before})
}

// SweepWaiting deletes waiting rooms nobody joined within olderThan. Those are
// left behind by clients that vanished without cancelling.
func (s *Service) SweepWaiting(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("sweep age must be positive")
	}
	n, err := s.exec(ctx, sweepWaitingQuery(s.Clock.Now().Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("sweep waiting rooms: %w", err)
	}
	s.Log.Info("waiting rooms swept", zap.Int64("deleted", n), zap.Duration("older_than", olderThan))
	return n, nil
}

func endedRoomsBefore(before time.Time) squirrel.SelectBuilder {
	// Nested builders keep the default format; the outer one numbers placeholders.
	return squirrel.Select("id").From(roomsTable).
		Where(squirrel.Eq{"status": string(models.StatusEnded)}).
		Where(squirrel.Lt{"updated_at": before})
}

func purgeQueries(before time.Time) []squirrel.DeleteBuilder {
	ended := endedRoomsBefore(before)
	return []squirrel.DeleteBuilder{
		psql.Delete(messagesTable).Where(squirrel.Expr("room_id IN (?)", ended)),
		psql.Delete(keysTable).Where(squirrel.Expr("room_id IN (?)", ended)),
		psql.Delete(roomsTable).Where(squirrel.Expr("id IN (?)", ended)),
	}
}

// PurgeEnded removes rooms that ended more than retention ago, with their
// messages and keys, in one transaction. It returns the number of rooms removed.
func (s *Service) PurgeEnded(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, errors.New("retention must be positive")
	}
	before := s.Clock.Now().Add(-retention)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rooms int64
	for _, q := range purgeQueries(before) {
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build purge query: %w", err)
		}
		res, err := tx.ExecContext(ctx, sqlStr, args...)
		if err != nil {
			return 0, fmt.Errorf("purge: %w", err)
		}
		if rooms, err = res.RowsAffected(); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	s.Log.Info("ended rooms purged", zap.Int64("rooms", rooms), zap.Time("before", before))
	return rooms, nil
}

func (s *Service) exec(ctx context.Context, q squirrel.Sqlizer) (int64, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, err
	}
	s.Log.Debug("exec", zap.String("sql", sqlStr), zap.Any("args", args))
	res, err := s.DB.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
