// Package packer encodes work items for the rendezvous socket.
//
// One frame is the msgpack encoding of the item tuple. One connection
// carries exactly one frame; connection close marks end-of-item, so no
// length prefix is needed.
package packer

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds the encoded size of a single work item.
const MaxFrameSize = 16384

// ErrFrameTooLarge is returned by Encode when an item's encoded form
// exceeds MaxFrameSize. Oversize items are rejected at the master, never
// truncated at the worker.
var ErrFrameTooLarge = errors.New("packer: encoded item exceeds frame size limit")

// Encode serializes one item tuple into a wire frame.
func Encode(item []any) ([]byte, error) {
	data, err := msgpack.Marshal([]any(item))
	if err != nil {
		return nil, fmt.Errorf("packer: encode item: %w", err)
	}

	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	return data, nil
}

// Decode deserializes one wire frame back into an item tuple.
//
// Scalar values come back as msgpack's generic types (integers may
// round-trip at a different width); consumers should type-switch or
// format rather than assert exact integer types.
func Decode(data []byte) ([]any, error) {
	var item []any
	if err := msgpack.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("packer: decode item: %w", err)
	}

	return item, nil
}
