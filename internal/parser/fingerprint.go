package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/cogrepo/cogrepo/internal/timeutil"
)

const fingerprintSep = "|"

// Fingerprint returns a stable SHA-256 hex digest over the
// identity-bearing fields of c: source, title, first and last
// message content, and creation time. Two exports of the same
// conversation under different external IDs share a fingerprint.
func Fingerprint(c Conversation) string {
	parts := []string{
		string(c.Source),
		c.Title,
		c.FirstMessage(),
		c.LastMessage(),
		timeutil.Format(c.CreatedAt),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, fingerprintSep)))
	return hex.EncodeToString(sum[:])
}
