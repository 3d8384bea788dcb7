// Package telemetry fans status snapshots and alarm/recognition events out
// to every connected session. Delivery is best-effort: a subscriber that
// cannot keep up is kicked, never waited on.
package telemetry

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/technosupport/ts-rover/internal/protocol"
)

var (
	metricBroadcastTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rover_broadcast_total",
		Help: "Messages fanned out by type",
	}, []string{"type"})

	metricBroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rover_broadcast_dropped_total",
		Help: "Deliveries that failed and marked the session for teardown",
	})

	metricSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rover_telemetry_subscribers",
		Help: "Currently registered telemetry subscribers",
	})
)

// Subscriber is one delivery target, typically a websocket session.
// Deliver must not block; an error marks the subscriber dead.
type Subscriber interface {
	ID() string
	WantsVideo() bool
	Deliver(msg []byte) error
	Kick()
}

type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]Subscriber
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]Subscriber)}
}

func (b *Broadcaster) Register(s Subscriber) {
	b.mu.Lock()
	b.subs[s.ID()] = s
	b.mu.Unlock()
	metricSubscribers.Inc()
}

func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	_, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		metricSubscribers.Dec()
	}
}

// Broadcast serializes once and delivers to every subscriber. A failed
// delivery kicks that subscriber; the rest are unaffected.
func (b *Broadcaster) Broadcast(msgType string, data any) {
	b.BroadcastID(msgType, data, eventID(msgType))
}

// BroadcastID is Broadcast with a caller-chosen envelope id, used to
// carry a command's correlation id on dispatch fan-outs.
func (b *Broadcaster) BroadcastID(msgType string, data any, id string) {
	raw, err := protocol.Marshal(msgType, data, id)
	if err != nil {
		log.Printf("Broadcast: marshal %s: %v", msgType, err)
		return
	}
	b.fanOut(msgType, raw, false)
}

// BroadcastVideo delivers a frame to video subscribers only.
func (b *Broadcaster) BroadcastVideo(frame protocol.VideoFrameData) {
	raw, err := protocol.Marshal(protocol.TypeVideoFrame, frame, "")
	if err != nil {
		log.Printf("Broadcast: marshal video frame: %v", err)
		return
	}
	b.fanOut(protocol.TypeVideoFrame, raw, true)
}

func (b *Broadcaster) fanOut(msgType string, raw []byte, videoOnly bool) {
	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if videoOnly && !s.WantsVideo() {
			continue
		}
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	metricBroadcastTotal.WithLabelValues(msgType).Inc()

	for _, s := range targets {
		if err := s.Deliver(raw); err != nil {
			metricBroadcastDropped.Inc()
			log.Printf("Broadcast: dropping session %s: %v", s.ID(), err)
			b.Unregister(s.ID())
			s.Kick()
		}
	}
}

// SubscriberCount is used by status snapshots.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func eventID(msgType string) string {
	return fmt.Sprintf("%s_%d", msgType, time.Now().UnixMilli())
}
