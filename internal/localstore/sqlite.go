package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/talkie/backend/internal/localstore/migrations"
	"github.com/talkie/backend/internal/models"
)

// SQLite persists the cache in an embedded database file.
type SQLite struct {
	sqlDB *sql.DB
}

// Timestamps are stored as unix nanoseconds so cached state compares equal to
// the remote snapshot it was built from.
func toNanos(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixNano()
}

func fromNanos(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(0, value).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// OpenSQLite opens the cache at path and applies embedded migrations.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLite{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *SQLite) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLite) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return ErrNotConfigured
	}
	return nil
}

// SaveUser upserts the user row.
func (s *SQLite) SaveUser(ctx context.Context, user models.UserState) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("user id is required")
	}

	friendIDs, err := json.Marshal(nonNil(user.FriendIDs))
	if err != nil {
		return fmt.Errorf("encode friend ids: %w", err)
	}
	received, err := json.Marshal(nonNil(user.ReceivedInvitations))
	if err != nil {
		return fmt.Errorf("encode received invitations: %w", err)
	}
	sent, err := json.Marshal(nonNil(user.SentInvitations))
	if err != nil {
		return fmt.Errorf("encode sent invitations: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO users (
		   id, pin, email, name, profile_image, profile_image_ref, image_offset,
		   device_token, friend_ids, received_invitations, sent_invitations,
		   room_name, has_incoming_call_request, is_busy, status, last_active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		   pin = excluded.pin,
		   email = excluded.email,
		   name = excluded.name,
		   profile_image = excluded.profile_image,
		   profile_image_ref = excluded.profile_image_ref,
		   image_offset = excluded.image_offset,
		   device_token = excluded.device_token,
		   friend_ids = excluded.friend_ids,
		   received_invitations = excluded.received_invitations,
		   sent_invitations = excluded.sent_invitations,
		   room_name = excluded.room_name,
		   has_incoming_call_request = excluded.has_incoming_call_request,
		   is_busy = excluded.is_busy,
		   status = excluded.status,
		   last_active = excluded.last_active`,
		user.ID, user.Pin, user.Email, user.Name, user.ProfileImage, user.ProfileImageRef, user.ImageOffset,
		user.DeviceToken, string(friendIDs), string(received), string(sent),
		user.RoomName, boolInt(user.HasIncomingCallRequest), boolInt(user.IsBusy), string(user.Status), toNanos(user.LastActive),
	)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// FetchUser loads one user.
func (s *SQLite) FetchUser(ctx context.Context, id string) (models.UserState, error) {
	if err := s.ready(ctx); err != nil {
		return models.UserState{}, err
	}

	var (
		user                      models.UserState
		friendIDs, received, sent string
		hasIncoming, isBusy       int
		status                    string
		lastActive                int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
		SELECT id, pin, email, name, profile_image, profile_image_ref, image_offset,
		       device_token, friend_ids, received_invitations, sent_invitations,
		       room_name, has_incoming_call_request, is_busy, status, last_active
		FROM users WHERE id = ?`, id,
	).Scan(
		&user.ID, &user.Pin, &user.Email, &user.Name, &user.ProfileImage, &user.ProfileImageRef, &user.ImageOffset,
		&user.DeviceToken, &friendIDs, &received, &sent,
		&user.RoomName, &hasIncoming, &isBusy, &status, &lastActive,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.UserState{}, ErrNotFound
		}
		return models.UserState{}, fmt.Errorf("fetch user: %w", err)
	}

	if err := json.Unmarshal([]byte(friendIDs), &user.FriendIDs); err != nil {
		return models.UserState{}, fmt.Errorf("decode friend ids: %w", err)
	}
	if err := json.Unmarshal([]byte(received), &user.ReceivedInvitations); err != nil {
		return models.UserState{}, fmt.Errorf("decode received invitations: %w", err)
	}
	if err := json.Unmarshal([]byte(sent), &user.SentInvitations); err != nil {
		return models.UserState{}, fmt.Errorf("decode sent invitations: %w", err)
	}
	user.HasIncomingCallRequest = hasIncoming == 1
	user.IsBusy = isBusy == 1
	user.Status = models.Status(status)
	user.LastActive = fromNanos(lastActive)
	return user, nil
}

// SaveFriend upserts one friend row for its owner.
func (s *SQLite) SaveFriend(ctx context.Context, friend models.FriendRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(friend.ID) == "" || strings.TrimSpace(friend.UserID) == "" {
		return fmt.Errorf("friend id and owner id are required")
	}

	var lastInteraction sql.NullInt64
	if friend.LastInteraction != nil {
		lastInteraction = sql.NullInt64{Int64: toNanos(*friend.LastInteraction), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO friends (
		   owner_id, id, username, pin, profile_image, profile_image_ref,
		   device_token, is_busy, status, last_interaction
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, id) DO UPDATE SET
		   username = excluded.username,
		   pin = excluded.pin,
		   profile_image = excluded.profile_image,
		   profile_image_ref = excluded.profile_image_ref,
		   device_token = excluded.device_token,
		   is_busy = excluded.is_busy,
		   status = excluded.status,
		   last_interaction = excluded.last_interaction`,
		friend.UserID, friend.ID, friend.Username, friend.Pin, friend.ProfileImage, friend.ProfileImageRef,
		friend.DeviceToken, boolInt(friend.IsBusy), string(friend.Status), lastInteraction,
	)
	if err != nil {
		return fmt.Errorf("save friend: %w", err)
	}
	return nil
}

const friendColumns = `owner_id, id, username, pin, profile_image, profile_image_ref,
		       device_token, is_busy, status, last_interaction`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFriend(row rowScanner) (models.FriendRecord, error) {
	var (
		friend          models.FriendRecord
		isBusy          int
		status          string
		lastInteraction sql.NullInt64
	)
	if err := row.Scan(
		&friend.UserID, &friend.ID, &friend.Username, &friend.Pin, &friend.ProfileImage, &friend.ProfileImageRef,
		&friend.DeviceToken, &isBusy, &status, &lastInteraction,
	); err != nil {
		return models.FriendRecord{}, err
	}
	friend.IsBusy = isBusy == 1
	friend.Status = models.Status(status)
	if lastInteraction.Valid {
		t := fromNanos(lastInteraction.Int64)
		friend.LastInteraction = &t
	}
	return friend, nil
}

// FetchFriend loads one friend row.
func (s *SQLite) FetchFriend(ctx context.Context, ownerID, id string) (models.FriendRecord, error) {
	if err := s.ready(ctx); err != nil {
		return models.FriendRecord{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+friendColumns+` FROM friends WHERE owner_id = ? AND id = ?`, ownerID, id)
	friend, err := scanFriend(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.FriendRecord{}, ErrNotFound
		}
		return models.FriendRecord{}, fmt.Errorf("fetch friend: %w", err)
	}
	return friend, nil
}

// FetchFriendsByOwner lists the owner's friends in first-saved order.
func (s *SQLite) FetchFriendsByOwner(ctx context.Context, ownerID string) ([]models.FriendRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+friendColumns+` FROM friends WHERE owner_id = ? ORDER BY rowid`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query friends: %w", err)
	}
	defer rows.Close()

	var friends []models.FriendRecord
	for rows.Next() {
		friend, err := scanFriend(rows)
		if err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		friends = append(friends, friend)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate friends: %w", err)
	}
	return friends, nil
}

// DeleteFriend removes one friend row. Missing rows are ignored.
func (s *SQLite) DeleteFriend(ctx context.Context, ownerID, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM friends WHERE owner_id = ? AND id = ?`, ownerID, id); err != nil {
		return fmt.Errorf("delete friend: %w", err)
	}
	return nil
}

// SaveRoom upserts the room row.
func (s *SQLite) SaveRoom(ctx context.Context, room models.RoomDto) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(room.ID) == "" {
		return fmt.Errorf("room id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO rooms (id, participant_a, participant_b, last_interaction, is_active, nickname)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		   participant_a = excluded.participant_a,
		   participant_b = excluded.participant_b,
		   last_interaction = excluded.last_interaction,
		   is_active = excluded.is_active,
		   nickname = excluded.nickname`,
		room.ID, room.Participants[0], room.Participants[1], toNanos(room.LastInteraction), room.IsActive, room.Nickname,
	)
	if err != nil {
		return fmt.Errorf("save room: %w", err)
	}
	return nil
}

// FetchRoom loads one room.
func (s *SQLite) FetchRoom(ctx context.Context, id string) (models.RoomDto, error) {
	if err := s.ready(ctx); err != nil {
		return models.RoomDto{}, err
	}
	var (
		room            models.RoomDto
		lastInteraction int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
		SELECT id, participant_a, participant_b, last_interaction, is_active, nickname
		FROM rooms WHERE id = ?`, id,
	).Scan(&room.ID, &room.Participants[0], &room.Participants[1], &lastInteraction, &room.IsActive, &room.Nickname)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RoomDto{}, ErrNotFound
		}
		return models.RoomDto{}, fmt.Errorf("fetch room: %w", err)
	}
	room.LastInteraction = fromNanos(lastInteraction)
	return room, nil
}

// DeleteRoom removes the room row. Missing rows are ignored.
func (s *SQLite) DeleteRoom(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// DeleteAll clears every cache table in one transaction.
func (s *SQLite) DeleteAll(ctx context.Context) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete all: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"friends", "rooms", "users"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete all: %w", err)
	}
	return nil
}

func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := sqlDB.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var count int
		if err := sqlDB.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, file).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if count > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, file, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var _ Store = (*SQLite)(nil)
