package db

import (
	"context"
	"fmt"
	"strings"
)

const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 500
)

// Search finds conversations whose title, summary or tags match
// query. It uses FTS5 ranking when available and falls back to a
// LIKE scan otherwise.
func (db *DB) Search(
	ctx context.Context, query string, limit int,
) ([]Conversation, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if limit <= 0 || limit > MaxSearchLimit {
		limit = DefaultSearchLimit
	}

	if db.HasFTS() {
		rows, err := db.reader.QueryContext(ctx, `
			SELECT `+prefixed("c", conversationCols)+`
			FROM conversations_fts
			JOIN conversations c ON c.rowid = conversations_fts.rowid
			WHERE conversations_fts MATCH ?
			ORDER BY rank
			LIMIT ?`, ftsQuery(query), limit)
		if err != nil {
			return nil, fmt.Errorf("searching: %w", err)
		}
		return scanConversationRows(rows)
	}

	pattern := "%" + escapeLike(query) + "%"
	rows, err := db.reader.QueryContext(ctx, `
		SELECT `+conversationCols+`
		FROM conversations
		WHERE title LIKE ? ESCAPE '\'
			OR summary_abstractive LIKE ? ESCAPE '\'
			OR tags LIKE ? ESCAPE '\'
		ORDER BY processed_at DESC
		LIMIT ?`, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	return scanConversationRows(rows)
}

// ftsQuery quotes every term so user input cannot use FTS5
// operators.
func ftsQuery(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// escapeLike escapes SQL LIKE wildcard characters so user
// input is matched literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`, `%`, `\%`, `_`, `\_`,
	)
	return r.Replace(s)
}
