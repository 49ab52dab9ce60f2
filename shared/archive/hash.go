package archive

import (
	"fmt"

	"github.com/zeebo/blake3"
)

// fileHasher accumulates a BLAKE3 digest of the uncompressed file content,
// recorded in the entries index alongside each file record (spec §3, §6).
type fileHasher struct {
	h *blake3.Hasher
}

func newFileHasher() *fileHasher {
	return &fileHasher{h: blake3.New()}
}

func (f *fileHasher) Write(p []byte) (int, error) {
	return f.h.Write(p)
}

func (f *fileHasher) hex() string {
	return fmt.Sprintf("%x", f.h.Sum(nil))
}
