package persistence

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	cursor := &Cursor{
		OccurredAt: time.Date(2026, 3, 1, 10, 30, 0, 123456789, time.UTC),
		ID:         "550e8400-e29b-41d4-a716-446655440000",
	}

	token := EncodeCursor(cursor)
	require.NotEmpty(t, token)

	decoded, err := DecodeCursor(token)
	require.NoError(t, err)
	require.True(t, cursor.OccurredAt.Equal(decoded.OccurredAt))
	require.Equal(t, cursor.ID, decoded.ID)
}

func TestEncodeNilCursor(t *testing.T) {
	require.Empty(t, EncodeCursor(nil))
}

func TestDecodeEmptyToken(t *testing.T) {
	cursor, err := DecodeCursor("")
	require.NoError(t, err)
	require.Nil(t, cursor)

	cursor, err = DecodeCursor("   ")
	require.NoError(t, err)
	require.Nil(t, cursor)
}

func TestDecodeInvalidTokens(t *testing.T) {
	_, err := DecodeCursor("!!not-base64")
	require.Error(t, err)

	// Valid base64 but no separator.
	_, err = DecodeCursor("bm8tc2VwYXJhdG9y")
	require.Error(t, err)

	// Valid shape but unparseable timestamp.
	_, err = DecodeCursor(base64.RawURLEncoding.EncodeToString([]byte("notatime|evt-1")))
	require.Error(t, err)
}
