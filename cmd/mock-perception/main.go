// mock-perception stands in for the vision daemon during development:
// it publishes a wandering face detection and a dummy video frame on the
// rover's NATS subjects, and logs any peripheral commands it receives.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

type detectionPayload struct {
	FacePresent bool    `json:"face_present"`
	Identity    string  `json:"identity,omitempty"`
	Confidence  float64 `json:"confidence"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	HasPosition bool    `json:"has_position"`
}

type framePayload struct {
	Image     string  `json:"image"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Timestamp float64 `json:"timestamp"`
}

func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server")
	identity := flag.String("identity", "", "identity to report (empty = unknown face)")
	confidence := flag.Float64("confidence", 0.9, "reported confidence")
	flag.Parse()

	nc, err := nats.Connect(*natsURL)
	if err != nil {
		log.Fatalf("NATS connect error: %v", err)
	}
	defer nc.Close()

	_, err = nc.Subscribe("rover.peripherals.command", func(msg *nats.Msg) {
		log.Printf("peripheral <- %s", msg.Data)
	})
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}

	log.Printf("Mock perception started. NATS=%s identity=%q", *natsURL, *identity)

	ticker := time.NewTicker(time.Second)
	x := 0.05
	dir := 0.03

	for range ticker.C {
		x += dir
		if x > 0.95 || x < 0.05 {
			dir = -dir
		}

		det := detectionPayload{
			FacePresent: true,
			Identity:    *identity,
			Confidence:  *confidence,
			X:           x,
			Y:           0.5,
			HasPosition: true,
		}
		publish(nc, "rover.perception.detections", det)

		frame := framePayload{
			Image:     "iVBORw0KGgo=", // 1x1 placeholder
			Width:     640,
			Height:    480,
			Timestamp: float64(time.Now().UnixMilli()),
		}
		publish(nc, "rover.perception.frames", frame)
	}
}

func publish(nc *nats.Conn, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("marshal %s: %v", subject, err)
		return
	}
	if err := nc.Publish(subject, data); err != nil {
		log.Printf("publish %s: %v", subject, err)
	}
}
