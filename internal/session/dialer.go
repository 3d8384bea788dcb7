package session

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-rover/internal/tokens"
)

// Dialer maintains the outbound operator uplink: the rover dials a
// remote console and keeps the link alive with exponential backoff.
type Dialer struct {
	URL     string
	Base    time.Duration
	Growth  float64
	Cap     time.Duration
	hub     *Hub
	attempt int
}

func NewDialer(url string, base time.Duration, growth float64, capDelay time.Duration, hub *Hub) *Dialer {
	if base <= 0 {
		base = time.Second
	}
	if growth <= 1 {
		growth = 1.5
	}
	if capDelay <= 0 {
		capDelay = 30 * time.Second
	}
	return &Dialer{URL: url, Base: base, Growth: growth, Cap: capDelay, hub: hub}
}

// Backoff is the reconnect delay before attempt n (0-based):
// base * growth^n, capped.
func Backoff(attempt int, base time.Duration, growth float64, capDelay time.Duration) time.Duration {
	d := time.Duration(float64(base) * math.Pow(growth, float64(attempt)))
	if d > capDelay || d <= 0 {
		return capDelay
	}
	return d
}

// Run dials until ctx is cancelled. Each successful connection resets
// the backoff sequence.
func (d *Dialer) Run(ctx context.Context) {
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, nil)
		if err != nil {
			delay := Backoff(d.attempt, d.Base, d.Growth, d.Cap)
			// Up to 10% jitter keeps a fleet from reconnecting in
			// lockstep.
			delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))
			d.attempt++
			log.Printf("uplink: dial %s: %v (retry in %s)", d.URL, err, delay.Round(time.Millisecond))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		d.attempt = 0
		log.Printf("uplink: connected to %s", d.URL)
		d.hub.Adopt(conn, "uplink", tokens.RoleOperator)
		log.Printf("uplink: connection to %s lost", d.URL)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
