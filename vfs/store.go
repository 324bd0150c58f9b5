package vfs

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// ErrCorrupt is returned when an object's content does not hash to its name.
var ErrCorrupt = errors.New("object digest mismatch")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("vfs: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("vfs: zstd decoder initialization failed: " + err.Error())
	}
}

// Digest returns the hex BLAKE3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validDigest(d string) bool {
	if len(d) != 64 {
		return false
	}
	_, err := hex.DecodeString(d)
	return err == nil
}

// Store is a content-addressed object store rooted at a directory.
type Store struct {
	root string
}

// NewStore returns a store rooted at root. The directory is created lazily
// on the first Put.
func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) objectPath(digest string) string {
	return filepath.Join(s.root, "objects", digest[:2], digest)
}

// Put stores data and returns its digest. Storing the same content twice is
// a no-op.
func (s *Store) Put(data []byte) (string, error) {
	digest := Digest(data)
	path := s.objectPath(digest)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+digest[:8]+"-*")
	if err != nil {
		return "", fmt.Errorf("create object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(zstdEncoder.EncodeAll(data, nil)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("commit object: %w", err)
	}
	return digest, nil
}

// Get returns the plain content of the object named digest, verifying it.
func (s *Store) Get(digest string) ([]byte, error) {
	if !validDigest(digest) {
		return nil, fmt.Errorf("invalid digest %q", digest)
	}
	compressed, err := os.ReadFile(s.objectPath(digest))
	if err != nil {
		return nil, err
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", digest, err)
	}
	if Digest(data) != digest {
		return nil, fmt.Errorf("%s: %w", digest, ErrCorrupt)
	}
	return data, nil
}
