package chunking

import (
	"errors"
	"fmt"
)

var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// MissingChunkError reports gaps found while joining indexed chunks.
type MissingChunkError struct {
	Missing []int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("missing %d chunk(s), first at index %d", len(e.Missing), e.Missing[0])
}

// Count returns how many chunks Split produces for size bytes.
func Count(size, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

// Split cuts data into chunkSize ranges, the last one holding the
// remainder. The ranges alias data.
func Split(data []byte, chunkSize int) ([][]byte, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}

	chunks := make([][]byte, 0, Count(len(data), chunkSize))
	for start := 0; start < len(data); start += chunkSize {
		end := min(start+chunkSize, len(data))
		chunks = append(chunks, data[start:end:end])
	}
	return chunks, nil
}

// Join concatenates chunks in the order given.
func Join(chunks [][]byte) []byte {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}

	out := make([]byte, 0, size)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// JoinIndexed concatenates chunks 0..total-1 and fails with a
// *MissingChunkError listing every absent index instead of skipping it.
func JoinIndexed(chunks map[int][]byte, total int) ([]byte, error) {
	if missing := Missing(chunks, total); len(missing) > 0 {
		return nil, &MissingChunkError{Missing: missing}
	}

	ordered := make([][]byte, total)
	for i := 0; i < total; i++ {
		ordered[i] = chunks[i]
	}
	return Join(ordered), nil
}

// Missing lists, in ascending order, the indices in [0, total) that have
// no entry in chunks.
func Missing[T any](chunks map[int]T, total int) []int {
	var missing []int
	for i := 0; i < total; i++ {
		if _, ok := chunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}
