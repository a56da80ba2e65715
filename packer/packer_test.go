package packer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacker_RoundTrip(t *testing.T) {
	frame, err := Encode([]any{"job-42", "payload", true})
	require.NoError(t, err)
	require.LessOrEqual(t, len(frame), MaxFrameSize)

	item, err := Decode(frame)
	require.NoError(t, err)
	require.Len(t, item, 3)
	require.Equal(t, "job-42", item[0])
	require.Equal(t, "payload", item[1])
	require.Equal(t, true, item[2])
}

func TestPacker_NumbersSurviveFormatting(t *testing.T) {
	frame, err := Encode([]any{7})
	require.NoError(t, err)

	item, err := Decode(frame)
	require.NoError(t, err)
	require.Len(t, item, 1)

	// integer width may change across the wire; the value must not
	require.Equal(t, "7", fmt.Sprint(item[0]))
}

func TestPacker_RejectsOversizeItem(t *testing.T) {
	big := strings.Repeat("x", 20*1024)

	_, err := Encode([]any{big})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestPacker_DecodeGarbage(t *testing.T) {
	_, err := Decode([]byte("\xc1 not msgpack"))
	require.Error(t, err)
}

func TestPacker_EmptyTuple(t *testing.T) {
	frame, err := Encode([]any{})
	require.NoError(t, err)

	item, err := Decode(frame)
	require.NoError(t, err)
	require.Empty(t, item)
}
