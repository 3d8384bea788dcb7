// Package perception bridges the vision daemon over NATS: face
// detection reports and camera frames flow in, peripheral commands flow
// out to the servo controller.
package perception

import (
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/technosupport/ts-rover/internal/protocol"
	"github.com/technosupport/ts-rover/internal/robot"
)

var (
	metricDetections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rover_detections_total",
		Help: "Face detection reports received from the vision daemon",
	})
	metricFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rover_video_frames_total",
		Help: "Camera frames relayed to video subscribers",
	})
	metricDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rover_perception_decode_errors_total",
		Help: "Perception messages dropped as undecodable",
	})
)

// DetectionSink consumes detection reports. Satisfied by
// robot.Controller.
type DetectionSink interface {
	SubmitDetection(d robot.Detection)
}

// FrameSink consumes camera frames. Satisfied by telemetry.Broadcaster.
type FrameSink interface {
	BroadcastVideo(frame protocol.VideoFrameData)
}

// Feed subscribes to the vision daemon's subjects.
type Feed struct {
	nc     *nats.Conn
	sink   DetectionSink
	frames FrameSink
	subs   []*nats.Subscription
}

func NewFeed(nc *nats.Conn, sink DetectionSink, frames FrameSink) *Feed {
	return &Feed{nc: nc, sink: sink, frames: frames}
}

// Start subscribes to both subjects. Handlers run on the NATS delivery
// goroutine; the sinks are responsible for their own locking.
func (f *Feed) Start(detectionSubject, frameSubject string) error {
	sub, err := f.nc.Subscribe(detectionSubject, f.handleDetection)
	if err != nil {
		return err
	}
	f.subs = append(f.subs, sub)

	sub, err = f.nc.Subscribe(frameSubject, f.handleFrame)
	if err != nil {
		return err
	}
	f.subs = append(f.subs, sub)
	log.Printf("perception: subscribed to %s and %s", detectionSubject, frameSubject)
	return nil
}

func (f *Feed) Stop() {
	for _, sub := range f.subs {
		_ = sub.Unsubscribe()
	}
	f.subs = nil
}

func (f *Feed) handleDetection(msg *nats.Msg) {
	var det robot.Detection
	if err := json.Unmarshal(msg.Data, &det); err != nil {
		metricDecodeErrors.Inc()
		log.Printf("perception: bad detection: %v", err)
		return
	}
	metricDetections.Inc()
	f.sink.SubmitDetection(det)
}

func (f *Feed) handleFrame(msg *nats.Msg) {
	var frame protocol.VideoFrameData
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		metricDecodeErrors.Inc()
		log.Printf("perception: bad frame: %v", err)
		return
	}
	metricFrames.Inc()
	f.frames.BroadcastVideo(frame)
}
