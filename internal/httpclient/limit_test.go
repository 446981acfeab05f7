package httpclient

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAllWithLimit(t *testing.T) {
	payload := []byte("hello")

	got, truncated, err := ReadAllWithLimit(bytes.NewReader(payload), int64(len(payload)), false)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, payload, got)

	got, truncated, err = ReadAllWithLimit(bytes.NewReader(payload), 0, false)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, payload, got)
}

func TestReadAllWithLimitTooLarge(t *testing.T) {
	_, _, err := ReadAllWithLimit(bytes.NewReader([]byte("hello")), 2, false)
	require.Error(t, err)
	assert.True(t, IsResponseTooLarge(err))
}

func TestReadAllWithLimitTruncates(t *testing.T) {
	got, truncated, err := ReadAllWithLimit(bytes.NewReader([]byte("hello")), 2, true)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, []byte("he"), got)
}
