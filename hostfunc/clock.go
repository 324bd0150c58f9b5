package hostfunc

import (
	"context"
	"time"
)

// Clock exposes the host's time to contracts.
type Clock struct {
	Now func() time.Time
}

// Register adds time.now to r.
func (c Clock) Register(r *Registry) {
	r.Register("time.now", c.UnixMilli)
}

// UnixMilli returns the current time in milliseconds since the epoch.
func (c Clock) UnixMilli(ctx context.Context, args map[string]any) (any, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().UnixMilli(), nil
}
