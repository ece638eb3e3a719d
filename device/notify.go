package device

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// NextNotification waits for the next event on a stream. It returns false if the stream was
// closed, the idle timeout elapsed or ctx was cancelled.
func NextNotification(ctx context.Context, events <-chan []byte, idle time.Duration) ([]byte, bool) {
	timer := time.NewTimer(idle)
	defer timer.Stop()

	select {
	case ev, ok := <-events:
		return ev, ok
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Drain invokes fn for every event until the stream goes quiet for longer than idle.
func Drain(ctx context.Context, events <-chan []byte, idle time.Duration, fn func([]byte)) int {
	n := 0

	for {
		ev, ok := NextNotification(ctx, events, idle)
		if !ok {
			log.Trace().Int("Events", n).Msg("device: notification stream drained")
			return n
		}

		log.Trace().Hex("Value", ev).Msg("device: received notification")

		n++
		fn(ev)
	}
}

// Collect gathers every event until the stream goes quiet for longer than idle.
func Collect(ctx context.Context, events <-chan []byte, idle time.Duration) [][]byte {
	var out [][]byte

	Drain(ctx, events, idle, func(ev []byte) {
		out = append(out, ev)
	})

	return out
}
