// Package types holds the FlatBuffers tables shared by the wire protocol and the stores.
package types

//go:generate flatc --go --go-namespace types -o . cosign.fbs

import "fmt"

// minBufferSize is the smallest buffer that can hold a root offset and a vtable.
const minBufferSize = 8

// Guard runs fn and converts a panic from malformed FlatBuffers data into an error.
func Guard(data []byte, fn func() error) (err error) {
	if len(data) < minBufferSize {
		return fmt.Errorf("buffer too short: %d < %d", len(data), minBufferSize)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed flatbuffer: %v", r)
		}
	}()

	return fn()
}
