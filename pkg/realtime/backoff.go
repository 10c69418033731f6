package realtime

import (
	"math/rand/v2"
	"time"
)

const reconnectJitter = time.Second

// reconnectDelay computes the wait before reconnection attempt n (1-based):
// base doubled per attempt plus up to one second of jitter, clamped to max.
// The jitter spreads reconnecting clients so they do not storm the server in
// lockstep.
func reconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}

	delay += time.Duration(rand.Int64N(int64(reconnectJitter)))
	if delay > max {
		delay = max
	}

	return delay
}
