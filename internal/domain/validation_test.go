package domain

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		valid    bool
	}{
		{"bare local part", "bob", true},
		{"full address", "Benwa@Apache.org", true},
		{"plus addressing", "user+tag@example.com", true},
		{"empty", "", false},
		{"multiple @", "bad@bad@bad", false},
		{"no local part", "@example.com", false},
		{"double dot", "a..b@example.com", false},
		{"spaces", "a b@example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUsername(tt.username)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidUsername)
			}
		})
	}

	u, err := ParseUsername(" Benwa@Apache.org ")
	require.NoError(t, err)
	assert.Equal(t, Username("benwa@apache.org"), u)
}

func TestValidateMailboxName(t *testing.T) {
	assert.NoError(t, ValidateMailboxName("INBOX"))
	assert.NoError(t, ValidateMailboxName("Archive.2024"))
	assert.Error(t, ValidateMailboxName(""))
	assert.Error(t, ValidateMailboxName("a..b"))
	assert.Error(t, ValidateMailboxName("bad\nname"))
}

func TestParseIdentifiers(t *testing.T) {
	id := NewMailboxID()
	parsed, err := ParseMailboxID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseMailboxID("bad")
	assert.ErrorIs(t, err, ErrInvalidMailboxID)

	_, err = ParseMessageID("bad")
	assert.ErrorIs(t, err, ErrInvalidMessageID)

	uid, err := ParseMessageUID("42")
	require.NoError(t, err)
	assert.Equal(t, MessageUID(42), uid)

	for _, bad := range []string{"bad", "0", "-1", "99999999999"} {
		_, err = ParseMessageUID(bad)
		assert.ErrorIs(t, err, ErrInvalidUID, bad)
	}
}

func TestFlags(t *testing.T) {
	flags := NewFlags(`\seen`, "custom", `\Seen`, "", `\FLAGGED`)
	assert.Equal(t, Flags{"custom", FlagFlagged, FlagSeen}, flags)
	assert.True(t, flags.Contains(`\SEEN`))
	assert.False(t, flags.Contains(FlagDraft))

	assert.True(t, ParseFlags(`\Flagged custom \Seen`).Equal(flags))
	assert.False(t, flags.Equal(NewFlags(FlagSeen)))
	assert.Equal(t, `custom \Flagged \Seen`, flags.String())
}

func TestMailboxMessage_CopySharesContent(t *testing.T) {
	raw := BytesContent("Subject: hi\r\n\r\nbody")
	msg := NewMessage(NewMessageID(), time.Now(), raw, 15, NewPropertyBuilder().Build(), nil)
	original := NewMailboxMessage(NewMailboxID(), msg, NewFlags(FlagSeen))
	original.UID = 1

	target := NewMailboxID()
	copied := original.CopyTo(target, 7, 3)
	copied.Flags = append(copied.Flags, "extra")

	assert.Same(t, original.Message, copied.Message)
	assert.Equal(t, Flags{FlagSeen}, original.Flags)
	assert.Equal(t, target, copied.Metadata().MailboxID)
	assert.Equal(t, MessageUID(7), copied.Metadata().UID)

	header, err := io.ReadAll(original.HeaderContent())
	require.NoError(t, err)
	assert.Equal(t, "Subject: hi\r\n\r\n", string(header))

	body, err := io.ReadAll(copied.BodyContent())
	require.NoError(t, err)
	assert.Equal(t, "body", string(body))
	assert.Equal(t, int64(4), copied.BodyOctets())
}
