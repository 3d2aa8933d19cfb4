package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteFrame(TagHello, []byte("hello-body")))
	require.NoError(t, w.WriteFrame(TagWelcome, nil))

	r := NewReader(&buf)
	f1, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, TagHello, f1.Tag)
	require.Equal(t, []byte("hello-body"), f1.Body)

	f2, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, TagWelcome, f2.Tag)
	require.Empty(t, f2.Body)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf).WithMaxFrameSize(8)
	err := w.WriteFrame(TagHello, make([]byte, 64))
	require.Error(t, err)
}

func TestReaderRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteFrame(TagHello, make([]byte, 64)))

	r := NewReader(&buf).WithMaxFrameSize(8)
	_, err := r.ReadFrame()
	require.Error(t, err)
}
