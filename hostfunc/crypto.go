package hostfunc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const MaxRandomBytes = 64 << 10

// RandomBytes implements crypto.randomBytes: size random bytes, hex encoded.
func RandomBytes(ctx context.Context, args map[string]any) (any, error) {
	size, ok := numberArg(args, "size", 0)
	if !ok {
		return nil, argError("size")
	}
	if size < 0 || size > MaxRandomBytes || size != float64(int(size)) {
		return nil, fmt.Errorf("size must be an integer between 0 and %d", MaxRandomBytes)
	}

	buf := make([]byte, int(size))
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return hex.EncodeToString(buf), nil
}
