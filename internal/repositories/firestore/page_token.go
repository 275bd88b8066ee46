package firestore

import (
	"errors"
	"fmt"
	"time"

	"github.com/returnloop/api/internal/platform/pagination"
)

// Page tokens encode the (createdAt, docID) cursor of the last row returned so
// the next query can StartAfter it. The opaque representation is shared with
// the platform pagination package.

func encodePageToken(createdAt time.Time, docID string) string {
	token, err := pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{createdAt.UTC().Format(time.RFC3339Nano), docID},
	})
	if err != nil {
		return ""
	}
	return token
}

func decodePageToken(token string) (time.Time, string, error) {
	cursor, err := pagination.DecodeToken(token)
	if err != nil {
		return time.Time{}, "", err
	}
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", errors.New("invalid token format")
	}
	rawTS, okTS := cursor.StartAfter[0].(string)
	docID, okID := cursor.StartAfter[1].(string)
	if !okTS || !okID || docID == "" {
		return time.Time{}, "", errors.New("invalid token format")
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid token timestamp: %w", err)
	}
	return ts, docID, nil
}
