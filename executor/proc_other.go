//go:build !unix

package executor

import (
	"context"
	"errors"
)

// Launch is only supported on unix systems.
func (l *ExecLauncher) Launch(ctx context.Context, spawn Spawn) (Process, error) {
	return nil, errors.New("contract processes require a unix system")
}
