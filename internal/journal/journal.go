// Package journal persists the sticky alarm flag and a bounded event
// trail in Redis so a restart cannot silently forget an active intruder
// alarm.
package journal

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	alarmKey  = "rover:alarm_active"
	eventsKey = "rover:events"

	// Event trail is trimmed to this many entries.
	maxEvents = 200

	opTimeout = 2 * time.Second
)

// Event is one journal entry.
type Event struct {
	Kind    string          `json:"kind"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Journal struct {
	client *redis.Client
}

func New(addr, password string) *Journal {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	return &Journal{client: rdb}
}

// Ping verifies the connection. Callers treat failure as degraded, not
// fatal.
func (j *Journal) Ping(ctx context.Context) error {
	return j.client.Ping(ctx).Err()
}

func (j *Journal) Close() error {
	return j.client.Close()
}

// SetAlarm records the sticky alarm flag. Fire-and-forget: persistence
// failure is logged, never allowed to stall the state machine.
func (j *Journal) SetAlarm(active bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	val := "0"
	if active {
		val = "1"
	}
	if err := j.client.Set(ctx, alarmKey, val, 0).Err(); err != nil {
		log.Printf("journal: set alarm: %v", err)
	}
}

// AlarmActive reads the persisted flag. A missing key reads as false.
func (j *Journal) AlarmActive(ctx context.Context) (bool, error) {
	val, err := j.client.Get(ctx, alarmKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "1", nil
}

// Event appends one entry to the trail and trims it. Fire-and-forget.
func (j *Journal) Event(kind string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	ev := Event{Kind: kind, At: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			log.Printf("journal: marshal %s payload: %v", kind, err)
			return
		}
		ev.Payload = raw
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		log.Printf("journal: marshal %s: %v", kind, err)
		return
	}

	pipe := j.client.Pipeline()
	pipe.LPush(ctx, eventsKey, raw)
	pipe.LTrim(ctx, eventsKey, 0, maxEvents-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("journal: append %s: %v", kind, err)
	}
}

// RecentEvents returns up to n entries, newest first.
func (j *Journal) RecentEvents(ctx context.Context, n int) ([]Event, error) {
	if n <= 0 || n > maxEvents {
		n = maxEvents
	}
	raws, err := j.client.LRange(ctx, eventsKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(raws))
	for _, raw := range raws {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			log.Printf("journal: corrupt event skipped: %v", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
