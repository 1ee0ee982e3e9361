// Package chunk implements the transport codec that fits reconciliation
// messages through a ~512-byte GATT characteristic: messages are deflate
// compressed, then framed into chunks of at most PayloadSize bytes, each
// carrying its index in the first byte and the batch's total chunk count in
// the last.
package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zlib"
)

// PayloadSize is the maximum compressed payload carried per chunk. With the
// two framing bytes, a chunk never exceeds 502 bytes.
const PayloadSize = 500

// MaxChunks bounds a batch: the total count must fit in the trailing byte.
const MaxChunks = 255

var (
	// ErrTooManyChunks is returned when a compressed message would need
	// more than MaxChunks chunks.
	ErrTooManyChunks = errors.New("chunk: message too large")

	// ErrShortChunk is returned for a chunk too small to carry the framing
	// bytes.
	ErrShortChunk = errors.New("chunk: chunk shorter than framing")
)

// Split compresses message and frames it into chunks. Empty input yields no
// chunks.
func Split(message []byte) ([][]byte, error) {
	compressed, err := compress(message)
	if err != nil {
		return nil, err
	}
	if len(compressed) == 0 {
		return nil, nil
	}

	numChunks := (len(compressed) + PayloadSize - 1) / PayloadSize
	if numChunks > MaxChunks {
		return nil, fmt.Errorf("%w: %d chunks", ErrTooManyChunks, numChunks)
	}

	chunks := make([][]byte, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		start := i * PayloadSize
		end := start + PayloadSize
		if end > len(compressed) {
			end = len(compressed)
		}
		c := make([]byte, 0, end-start+2)
		c = append(c, byte(i))
		c = append(c, compressed[start:end]...)
		c = append(c, byte(numChunks))
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// Join reassembles chunks (in any order) and decompresses the result.
func Join(chunks [][]byte) ([]byte, error) {
	for _, c := range chunks {
		if len(c) < 2 {
			return nil, ErrShortChunk
		}
	}
	sorted := make([][]byte, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i][0] < sorted[j][0] })

	var compressed []byte
	for _, c := range sorted {
		compressed = append(compressed, c[1:len(c)-1]...)
	}
	return decompress(compressed)
}

func compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("chunk: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("chunk: compress: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("chunk: decompress: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("chunk: decompress: %w", err)
	}
	return out, nil
}
