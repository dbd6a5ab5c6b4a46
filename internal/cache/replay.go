package cache

import (
	"context"
	"time"
)

// Replay yields each chunk of resp after sleeping its recorded delay,
// honouring ctx cancellation between sleeps and between yields so an
// aborted consumer stops within one chunk. fast, when true, yields
// without sleeping — used when the caller does its own pacing, such as
// the lifecycle engine buffering a cache replay internally
// (spec.md §4.2).
func Replay(ctx context.Context, resp *Response, fast bool, yield func(data string) error) error {
	for _, chunk := range resp.Response.Chunks {
		if !fast && chunk.DelayMS > 0 {
			timer := time.NewTimer(time.Duration(chunk.DelayMS) * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := yield(chunk.Data); err != nil {
			return err
		}
	}
	return nil
}
