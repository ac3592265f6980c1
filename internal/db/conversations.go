package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Conversation is one catalog row. Timestamps are RFC 3339 UTC
// strings.
type Conversation struct {
	InternalID         string    `json:"internal_id"`
	Source             string    `json:"source"`
	ExternalID         string    `json:"external_id"`
	Archive            string    `json:"archive"`
	Fingerprint        string    `json:"content_fingerprint"`
	Title              string    `json:"title"`
	OriginalTitle      string    `json:"original_title"`
	SummaryAbstractive string    `json:"summary_abstractive"`
	SummaryExtractive  string    `json:"summary_extractive"`
	PrimaryDomain      string    `json:"primary_domain"`
	Score              float64   `json:"score"`
	Tags               []string  `json:"tags"`
	KeyInsights        []string  `json:"key_insights"`
	MessageCount       int       `json:"message_count"`
	CreatedAt          *string   `json:"created_at"`
	ProcessedAt        string    `json:"processed_at"`
	Enriched           bool      `json:"enriched"`
	Model              string    `json:"model"`
	Messages           []Message `json:"messages,omitempty"`
}

// Message is one turn of a catalogued conversation.
type Message struct {
	Ordinal   int     `json:"ordinal"`
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Timestamp *string `json:"timestamp"`
}

const conversationCols = `internal_id, source, external_id, archive,
	fingerprint, title, original_title, summary_abstractive,
	summary_extractive, primary_domain, score, tags, key_insights,
	message_count, created_at, processed_at, enriched, model`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(rs rowScanner) (Conversation, error) {
	var c Conversation
	var tags, insights string
	err := rs.Scan(
		&c.InternalID, &c.Source, &c.ExternalID, &c.Archive,
		&c.Fingerprint, &c.Title, &c.OriginalTitle,
		&c.SummaryAbstractive, &c.SummaryExtractive,
		&c.PrimaryDomain, &c.Score, &tags, &insights,
		&c.MessageCount, &c.CreatedAt, &c.ProcessedAt,
		&c.Enriched, &c.Model,
	)
	if err != nil {
		return Conversation{}, err
	}
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return Conversation{}, fmt.Errorf("decoding tags of %s: %w", c.InternalID, err)
	}
	if err := json.Unmarshal([]byte(insights), &c.KeyInsights); err != nil {
		return Conversation{}, fmt.Errorf("decoding insights of %s: %w", c.InternalID, err)
	}
	return c, nil
}

func scanConversationRows(rows *sql.Rows) ([]Conversation, error) {
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func jsonList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// UpsertConversations writes convs and their messages in one
// transaction. Rows are keyed by (source, external_id); an
// existing row keeps its internal_id and has its messages replaced.
func (db *DB) UpsertConversations(
	ctx context.Context, convs []Conversation,
) error {
	if len(convs) == 0 {
		return nil
	}
	return db.Update(func(tx *sql.Tx) error {
		upsert, err := tx.PrepareContext(ctx, `
			INSERT INTO conversations (`+conversationCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source, external_id) DO UPDATE SET
				archive = excluded.archive,
				fingerprint = excluded.fingerprint,
				title = excluded.title,
				original_title = excluded.original_title,
				summary_abstractive = excluded.summary_abstractive,
				summary_extractive = excluded.summary_extractive,
				primary_domain = excluded.primary_domain,
				score = excluded.score,
				tags = excluded.tags,
				key_insights = excluded.key_insights,
				message_count = excluded.message_count,
				created_at = excluded.created_at,
				processed_at = excluded.processed_at,
				enriched = excluded.enriched,
				model = excluded.model
			RETURNING internal_id`)
		if err != nil {
			return fmt.Errorf("preparing upsert: %w", err)
		}
		defer upsert.Close()

		for _, c := range convs {
			var id string
			err := upsert.QueryRowContext(ctx,
				c.InternalID, c.Source, c.ExternalID, c.Archive,
				c.Fingerprint, c.Title, c.OriginalTitle,
				c.SummaryAbstractive, c.SummaryExtractive,
				c.PrimaryDomain, c.Score, jsonList(c.Tags),
				jsonList(c.KeyInsights), c.MessageCount,
				c.CreatedAt, c.ProcessedAt, c.Enriched, c.Model,
			).Scan(&id)
			if err != nil {
				return fmt.Errorf("upserting %s/%s: %w",
					c.Source, c.ExternalID, err)
			}
			if err := replaceMessagesTx(ctx, tx, id, c.Messages); err != nil {
				return err
			}
		}
		return nil
	})
}

func replaceMessagesTx(
	ctx context.Context, tx *sql.Tx, id string, msgs []Message,
) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE conversation_id = ?", id,
	); err != nil {
		return fmt.Errorf("clearing messages of %s: %w", id, err)
	}
	if len(msgs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages
			(conversation_id, ordinal, role, content, timestamp)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()
	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx,
			id, m.Ordinal, m.Role, m.Content, m.Timestamp,
		); err != nil {
			return fmt.Errorf(
				"inserting message %s ord=%d: %w", id, m.Ordinal, err,
			)
		}
	}
	return nil
}

// GetConversation returns the row for (source, externalID), with
// its messages, or nil when absent.
func (db *DB) GetConversation(
	ctx context.Context, source, externalID string,
) (*Conversation, error) {
	row := db.reader.QueryRowContext(ctx,
		"SELECT "+conversationCols+
			" FROM conversations WHERE source = ? AND external_id = ?",
		source, externalID,
	)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s/%s: %w", source, externalID, err)
	}

	rows, err := db.reader.QueryContext(ctx, `
		SELECT ordinal, role, content, timestamp
		FROM messages WHERE conversation_id = ?
		ORDER BY ordinal`, c.InternalID)
	if err != nil {
		return nil, fmt.Errorf("getting messages of %s: %w", c.InternalID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Ordinal, &m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		c.Messages = append(c.Messages, m)
	}
	return &c, rows.Err()
}

// Recent returns the most recently processed conversations,
// without messages.
func (db *DB) Recent(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.reader.QueryContext(ctx,
		"SELECT "+conversationCols+` FROM conversations
		ORDER BY processed_at DESC, created_at DESC, internal_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent: %w", err)
	}
	return scanConversationRows(rows)
}

// Stats summarizes the catalog.
type Stats struct {
	Conversations int            `json:"conversations"`
	Messages      int            `json:"messages"`
	Enriched      int            `json:"enriched"`
	BySource      map[string]int `json:"by_source"`
}

// GetStats counts catalogued conversations and messages.
func (db *DB) GetStats(ctx context.Context) (Stats, error) {
	s := Stats{BySource: make(map[string]int)}
	err := db.reader.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM conversations WHERE enriched = 1)`,
	).Scan(&s.Conversations, &s.Messages, &s.Enriched)
	if err != nil {
		return Stats{}, fmt.Errorf("fetching stats: %w", err)
	}

	rows, err := db.reader.QueryContext(ctx,
		"SELECT source, COUNT(*) FROM conversations GROUP BY source")
	if err != nil {
		return Stats{}, fmt.Errorf("counting by source: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return Stats{}, fmt.Errorf("scanning source count: %w", err)
		}
		s.BySource[src] = n
	}
	return s, rows.Err()
}
