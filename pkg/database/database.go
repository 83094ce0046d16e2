// Package database is the durable-storage gateway for users, channels and
// messages. All row scanning happens inside this package; callers only ever
// see typed records and typed errors.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors for uniqueness conflicts. Handlers map these to
// user-facing "already exists" replies; anything else from this package is
// a generic storage failure.
var (
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrEmailTaken indicates the email is already registered.
	ErrEmailTaken = errors.New("email already taken")
	// ErrChannelExists indicates a channel with that name already exists.
	ErrChannelExists = errors.New("channel already exists")
)

// User presence states. The server only ever sets ONLINE and OFFLINE;
// AWAY and BUSY are reserved for clients that report them.
const (
	StatusOnline  = "ONLINE"
	StatusAway    = "AWAY"
	StatusBusy    = "BUSY"
	StatusOffline = "OFFLINE"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn      *sql.DB // read pool
	writeConn *sql.DB // single dedicated write connection
	snowflake *Snowflake
}

// Open opens the SQLite database at path and brings the schema up to date.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers are fine in WAL mode; writes go through writeConn.
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	// SQLite allows one writer at a time.
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	if err := runMigrations(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	return &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(epoch, 0),
	}, nil
}

// applyPragmas configures a connection for concurrent access.
func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// Close closes both database connections.
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// User represents a user record.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Status       string
	CreatedAt    int64 // Unix milliseconds
}

// Channel represents a channel record.
type Channel struct {
	ID        int64
	Name      string
	CreatedAt int64 // Unix milliseconds
}

// Message represents a message record. Author carries the sender's
// username (joined from users) so callers never re-query it.
type Message struct {
	ID        int64
	ChannelID int64
	UserID    int64
	Author    string
	Content   string
	ImagePath *string
	Edited    bool // reserved, never set by this server
	CreatedAt int64
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// isUniqueViolation reports whether err is a SQLite UNIQUE-constraint
// failure on the named column ("table.column").
func isUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}

// CreateUser inserts a new user and returns the stored record. Uniqueness
// conflicts surface as ErrUsernameTaken or ErrEmailTaken.
func (db *DB) CreateUser(username, email, passwordHash string) (*User, error) {
	now := nowMillis()
	result, err := db.writeConn.Exec(`
		INSERT INTO users (username, email, hashed_password, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, username, email, passwordHash, StatusOffline, now)

	switch {
	case isUniqueViolation(err, "users.username"):
		return nil, ErrUsernameTaken
	case isUniqueViolation(err, "users.email"):
		return nil, ErrEmailTaken
	case err != nil:
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &User{
		ID:           id,
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Status:       StatusOffline,
		CreatedAt:    now,
	}, nil
}

// GetUserByUsername returns the user with that username, or (nil, nil)
// when no such user exists.
func (db *DB) GetUserByUsername(username string) (*User, error) {
	u := &User{}
	err := db.conn.QueryRow(`
		SELECT user_id, username, email, hashed_password, status, created_at
		FROM users
		WHERE username = ?
	`, username).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Status, &u.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// SetUserStatus updates a user's presence status.
func (db *DB) SetUserStatus(userID int64, status string) error {
	_, err := db.writeConn.Exec(`UPDATE users SET status = ? WHERE user_id = ?`, status, userID)
	return err
}

// CreateChannel inserts a new channel. A name conflict surfaces as
// ErrChannelExists.
func (db *DB) CreateChannel(name string) (*Channel, error) {
	now := nowMillis()
	result, err := db.writeConn.Exec(`
		INSERT INTO channels (channel_name, created_at)
		VALUES (?, ?)
	`, name, now)

	if isUniqueViolation(err, "channels.channel_name") {
		return nil, ErrChannelExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &Channel{ID: id, Name: name, CreatedAt: now}, nil
}

// GetChannelByName returns the channel with that name, or (nil, nil) when
// no such channel exists.
func (db *DB) GetChannelByName(name string) (*Channel, error) {
	ch := &Channel{}
	err := db.conn.QueryRow(`
		SELECT channel_id, channel_name, created_at
		FROM channels
		WHERE channel_name = ?
	`, name).Scan(&ch.ID, &ch.Name, &ch.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ListChannels returns all channels ordered by id.
func (db *DB) ListChannels() ([]*Channel, error) {
	rows, err := db.conn.Query(`
		SELECT channel_id, channel_name, created_at
		FROM channels
		ORDER BY channel_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		ch := &Channel{}
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.CreatedAt); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// CountChannels returns the number of channels, 0 on error.
func (db *DB) CountChannels() int {
	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM channels`).Scan(&count); err != nil {
		return 0
	}
	return count
}

// PostMessage durably stores a message and returns the stored record with
// its assigned id. The caller must not hand the message to any recipient
// before this returns successfully.
func (db *DB) PostMessage(channelID, userID int64, author, content string, imagePath *string) (*Message, error) {
	messageID := db.snowflake.NextID()
	now := nowMillis()

	var imageVal sql.NullString
	if imagePath != nil {
		imageVal.Valid = true
		imageVal.String = *imagePath
	}

	_, err := db.writeConn.Exec(`
		INSERT INTO messages (message_id, channel_id, user_id, content, image_path, edited, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, messageID, channelID, userID, content, imageVal, now)
	if err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	return &Message{
		ID:        messageID,
		ChannelID: channelID,
		UserID:    userID,
		Author:    author,
		Content:   content,
		ImagePath: imagePath,
		CreatedAt: now,
	}, nil
}

// RecentMessages returns up to limit most recent messages for a channel in
// chronological order (oldest first).
func (db *DB) RecentMessages(channelID int64, limit int) ([]*Message, error) {
	rows, err := db.conn.Query(`
		SELECT m.message_id, m.channel_id, m.user_id, u.username, m.content, m.image_path, m.edited, m.created_at
		FROM messages m
		INNER JOIN users u ON u.user_id = m.user_id
		WHERE m.channel_id = ?
		ORDER BY m.message_id DESC
		LIMIT ?
	`, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		var image sql.NullString
		err := rows.Scan(
			&msg.ID,
			&msg.ChannelID,
			&msg.UserID,
			&msg.Author,
			&msg.Content,
			&image,
			&msg.Edited,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if image.Valid {
			msg.ImagePath = &image.String
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returned newest-first; flip to chronological.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
