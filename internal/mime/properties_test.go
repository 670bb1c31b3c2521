package mime

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailindex/backend/internal/domain"
)

func TestCid(t *testing.T) {
	wrapped, err := CidFrom("<foo@bar>")
	require.NoError(t, err)
	bare, err := CidFrom("foo@bar")
	require.NoError(t, err)

	assert.Equal(t, "foo@bar", wrapped.Value())
	assert.Equal(t, "foo@bar", bare.Value())
	assert.Equal(t, wrapped, bare)

	_, err = CidFrom("")
	assert.ErrorIs(t, err, ErrInvalidCid)
	_, err = CidFrom("<>")
	assert.ErrorIs(t, err, ErrInvalidCid)

	cid, ok := ParseCid("  <spaced@host>  ")
	assert.True(t, ok)
	assert.Equal(t, "spaced@host", cid.Value())
	_, ok = ParseCid("   ")
	assert.False(t, ok)
}

func TestFindBodyStart(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int64
	}{
		{"crlf", "A: b\r\n\r\nbody", 8},
		{"lf", "A: b\n\nbody", 6},
		{"headers only", "A: b\r\n", 6},
		{"no headers", "\r\nbody", 2},
		{"long line ending with newline", strings.Repeat("x", 4096) + "\n\nbody", 4098},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindBodyStart(strings.NewReader(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnalyze(t *testing.T) {
	raw := "Subject: hello\r\n" +
		"Content-Type: text/plain; charset=UTF-8; Format=flowed\r\n" +
		"Content-Transfer-Encoding: 7BIT\r\n" +
		"Content-Language: en, fr\r\n" +
		"Content-ID: <part1@host>\r\n" +
		"\r\n" +
		"line one\r\nline two\r\nline three"

	structure, err := Analyze(domain.BytesContent(raw))
	require.NoError(t, err)

	assert.Equal(t, int64(strings.Index(raw, "line one")), structure.BodyStartOctet)
	props := structure.Properties

	mt, _ := props.MediaType()
	sub, _ := props.SubType()
	charset, _ := props.Charset()
	cte, _ := props.ContentTransferEncoding()
	cid, _ := props.ContentID()
	assert.Equal(t, "text", mt)
	assert.Equal(t, "plain", sub)
	assert.Equal(t, "UTF-8", charset)
	assert.Equal(t, "7bit", cte)
	assert.Equal(t, "part1@host", cid)
	assert.Equal(t, []string{"en", "fr"}, props.ContentLanguage())

	format, ok := props.ContentTypeParameters().Get("format")
	assert.True(t, ok)
	assert.Equal(t, "flowed", format)

	lines, ok := props.TextualLineCount()
	assert.True(t, ok)
	assert.Equal(t, int64(3), lines)
	assert.Equal(t, "hello", structure.Header.Get("Subject"))
}

func TestAnalyze_MultipartHasNoLineCount(t *testing.T) {
	raw := "Content-Type: multipart/mixed; boundary=xyz\r\n" +
		"Content-Disposition: inline\r\n\r\n--xyz--\r\n"

	structure, err := Analyze(domain.BytesContent(raw))
	require.NoError(t, err)

	_, ok := structure.Properties.TextualLineCount()
	assert.False(t, ok)
	boundary, _ := structure.Properties.Boundary()
	assert.Equal(t, "xyz", boundary)
	disp, _ := structure.Properties.ContentDispositionType()
	assert.Equal(t, "inline", disp)
}

func TestAnalyze_MissingContentTypeDefaultsToTextPlain(t *testing.T) {
	structure, err := Analyze(domain.BytesContent("Subject: x\r\n\r\nbody\r\n"))
	require.NoError(t, err)

	mt, _ := structure.Properties.MediaType()
	sub, _ := structure.Properties.SubType()
	assert.Equal(t, "text", mt)
	assert.Equal(t, "plain", sub)
	lines, _ := structure.Properties.TextualLineCount()
	assert.Equal(t, int64(1), lines)
}

func TestDecodeHeaderValue(t *testing.T) {
	assert.Equal(t, "plain.txt", DecodeHeaderValue("plain.txt"))
	assert.Equal(t, "été.txt", DecodeHeaderValue("=?UTF-8?B?w6l0w6kudHh0?="))
	assert.Equal(t, "=?x-unknown?Q?abc?=", DecodeHeaderValue("=?x-unknown?Q?abc?="))
}
