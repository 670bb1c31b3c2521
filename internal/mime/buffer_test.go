package mime

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedBody_StaysInMemoryUnderThreshold(t *testing.T) {
	dir := t.TempDir()
	factory := NewBufferedBodyFactory(BufferOptions{FileThreshold: 16, TempDir: dir})

	body, err := factory.ReadFrom(strings.NewReader("small"))
	require.NoError(t, err)
	defer body.Close()

	assert.True(t, body.InMemory())
	assert.Equal(t, int64(5), body.Size())

	data, err := io.ReadAll(body.Reader())
	require.NoError(t, err)
	assert.Equal(t, "small", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBufferedBody_SpillsToDiskAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	factory := NewBufferedBodyFactory(BufferOptions{FileThreshold: 8, TempDir: dir})

	body := factory.New()
	_, err := body.Write([]byte("0123456"))
	require.NoError(t, err)
	assert.True(t, body.InMemory())

	_, err = body.Write([]byte("789abcdef"))
	require.NoError(t, err)
	assert.False(t, body.InMemory())

	files, err := filepath.Glob(filepath.Join(dir, "mailindex-body-*"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	// 两个读取器互不影响
	r1, r2 := body.Reader(), body.Reader()
	head := make([]byte, 4)
	_, err = io.ReadFull(r1, head)
	require.NoError(t, err)
	all, err := io.ReadAll(r2)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(head))
	assert.Equal(t, "0123456789abcdef", string(all))

	_, err = body.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrWriteAfterRead)

	require.NoError(t, body.Close())
	require.NoError(t, body.Close())
	_, err = os.Stat(files[0])
	assert.True(t, os.IsNotExist(err))
}

func TestBufferedBody_ZeroThresholdAlwaysUsesFile(t *testing.T) {
	factory := NewBufferedBodyFactory(BufferOptions{FileThreshold: 0, TempDir: t.TempDir()})
	body, err := factory.ReadFrom(strings.NewReader("x"))
	require.NoError(t, err)
	defer body.Close()
	assert.False(t, body.InMemory())
}

func TestBufferedBodyFactory_NegativeThresholdUsesDefault(t *testing.T) {
	factory := NewBufferedBodyFactory(BufferOptions{FileThreshold: -1})
	assert.Equal(t, int64(DefaultFileThreshold), factory.Threshold())
}
