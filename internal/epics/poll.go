package epics

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Poll reads pvs every interval and hands update their values as strings;
// unreachable PVs report "error" or "timeout".
func Poll(ctx context.Context, client Client, pvs map[string]string, interval time.Duration, update func(map[string]string)) {
	if client == nil || update == nil || len(pvs) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status := make(map[string]string, len(pvs))
		for name, pv := range pvs {
			status[name] = fetchStatus(ctx, client, pv, interval)
		}
		update(status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func fetchStatus(ctx context.Context, client Client, pv string, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := client.Get(ctx, pv)
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		return "error"
	}
	return fmt.Sprint(v)
}
