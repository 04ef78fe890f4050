package zstd

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCloser_Zeroes(t *testing.T) {
	input := io.NopCloser(bytes.NewReader(bytes.Repeat([]byte{0}, 327680)))

	compressed, err := io.ReadAll(ReadCloser(input))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(compressed, MagicHeader))
	assert.Less(t, len(compressed), 1024)
}

func TestRoundTrip(t *testing.T) {
	data := make([]byte, 1<<20)
	rand.New(rand.NewSource(7)).Read(data[:1<<19])

	for _, level := range []int{1, 3, 19} {
		rc, err := NewReadCloser(ReadCloserLevel(io.NopCloser(bytes.NewReader(data)), level))
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, data, got, "level %d", level)
	}
}

var errDiskGone = errors.New("disk gone")

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errDiskGone }

func TestReadCloser_PropagatesSourceError(t *testing.T) {
	_, err := io.ReadAll(ReadCloser(io.NopCloser(failingReader{})))
	assert.ErrorIs(t, err, errDiskGone)
}

func TestNewReadCloser_Garbage(t *testing.T) {
	rc, err := NewReadCloser(io.NopCloser(bytes.NewReader([]byte("not zstd at all"))))
	require.NoError(t, err)
	defer rc.Close()
	_, err = io.ReadAll(rc)
	assert.Error(t, err)
}
