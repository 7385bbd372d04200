package db

import (
	"database/sql"

	"github.com/multichat-dev/multichat/internal/models"
	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup or update targets a row that does
// not exist. Callers that tolerate missing rows must check for it with
// errors.Is.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT UNIQUE NOT NULL,
    email TEXT UNIQUE NOT NULL,
    password_hash TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    title TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT 'gpt-3.5-turbo',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id INTEGER NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    content TEXT NOT NULL,
    image_url TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_id ON conversations (user_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages (conversation_id);`

type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// SQLite allows a single writer; one pooled connection avoids
	// SQLITE_BUSY under concurrent requests and keeps ":memory:" databases
	// on the connection that created them.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

func (db *Database) CreateUser(username, email, passwordHash string) (*models.User, error) {
	query := `
        INSERT INTO users (username, email, password_hash, created_at)
        VALUES (?, ?, ?, CURRENT_TIMESTAMP)
        RETURNING id, created_at`

	user := &models.User{Username: username, Email: email, PasswordHash: passwordHash}
	err := db.db.QueryRow(query, username, email, passwordHash).Scan(&user.ID, &user.CreatedAt)
	return user, err
}

func (db *Database) GetUserByUsername(username string) (*models.User, error) {
	return db.getUser("username = ?", username)
}

func (db *Database) GetUserByEmail(email string) (*models.User, error) {
	return db.getUser("email = ?", email)
}

func (db *Database) GetUserByID(id int64) (*models.User, error) {
	return db.getUser("id = ?", id)
}

func (db *Database) getUser(where string, arg any) (*models.User, error) {
	query := `
        SELECT id, username, email, password_hash, created_at
        FROM users
        WHERE ` + where

	var user models.User
	err := db.db.QueryRow(query, arg).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (db *Database) CountUsers() (int, error) {
	var count int
	err := db.db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count)
	return count, err
}

func (db *Database) CreateConversation(userID int64, title, model string) (*models.Conversation, error) {
	query := `
        INSERT INTO conversations (user_id, title, model, created_at, updated_at)
        VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
        RETURNING id, created_at, updated_at`

	conv := &models.Conversation{UserID: userID, Title: title, Model: model}
	err := db.db.QueryRow(query, userID, title, model).Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt)
	return conv, err
}

func (db *Database) GetConversation(id int64) (*models.Conversation, error) {
	query := `
        SELECT id, user_id, title, model, created_at, updated_at
        FROM conversations
        WHERE id = ?`

	var conv models.Conversation
	err := db.db.QueryRow(query, id).Scan(
		&conv.ID, &conv.UserID, &conv.Title, &conv.Model, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (db *Database) GetConversations(userID int64) ([]models.Conversation, error) {
	query := `
        SELECT id, user_id, title, model, created_at, updated_at
        FROM conversations
        WHERE user_id = ?
        ORDER BY updated_at DESC`

	rows, err := db.db.Query(query, userID)
	if err != nil {
		return []models.Conversation{}, err
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Model, &conv.CreatedAt, &conv.UpdatedAt)
		if err != nil {
			return []models.Conversation{}, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// UpdateConversationTitle sets a new title and refreshes updated_at. It
// reports ErrNotFound when the conversation has been deleted, so deferred
// title writes can recognize that the row is gone.
func (db *Database) UpdateConversationTitle(id int64, title string) error {
	result, err := db.db.Exec(
		"UPDATE conversations SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		title, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *Database) TouchConversation(id int64) error {
	_, err := db.db.Exec(
		"UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", id)
	return err
}

func (db *Database) DeleteConversation(id int64) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM conversations WHERE id = ?", id); err != nil {
		return err
	}

	return tx.Commit()
}

// SaveMessage appends a message to its conversation's log and fills in the
// generated id and timestamp. The existence check and the insert run in one
// transaction so an append against a vanished conversation yields
// ErrNotFound, never a dangling row.
func (db *Database) SaveMessage(msg *models.Message) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	if err := tx.QueryRow("SELECT 1 FROM conversations WHERE id = ?", msg.ConvID).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}

	query := `
        INSERT INTO messages (conversation_id, role, content, image_url, created_at)
        VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
        RETURNING id, created_at`

	var imageURL sql.NullString
	if msg.ImageURL != "" {
		imageURL = sql.NullString{String: msg.ImageURL, Valid: true}
	}
	if err := tx.QueryRow(query, msg.ConvID, msg.Role, msg.Content, imageURL).Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// GetConversationHistory returns every message of a conversation, oldest
// first. Insertion order breaks creation-time ties.
func (db *Database) GetConversationHistory(conversationID int64) ([]models.Message, error) {
	query := `
        SELECT id, conversation_id, role, content, COALESCE(image_url, ''), created_at
        FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at ASC, id ASC`

	rows, err := db.db.Query(query, conversationID)
	if err != nil {
		return []models.Message{}, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		err := rows.Scan(&msg.ID, &msg.ConvID, &msg.Role, &msg.Content, &msg.ImageURL, &msg.CreatedAt)
		if err != nil {
			return []models.Message{}, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
