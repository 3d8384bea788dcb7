// Package robot owns the process-wide mode state machine
// (Manual / Patrol / Surveillance) and the surveillance escalation
// sub-machine. All mutation funnels through one serialization point; I/O
// callbacks never touch the state directly.
package robot

import (
	"fmt"
	"strings"
	"time"

	"github.com/technosupport/ts-rover/internal/actuator"
	"github.com/technosupport/ts-rover/internal/protocol"
)

// Mode is the mutually exclusive operating posture.
type Mode string

const (
	ModeNone         Mode = "NONE"
	ModeManual       Mode = "MANUAL"
	ModePatrol       Mode = "PATROL"
	ModeSurveillance Mode = "SURVEILLANCE"
)

// ParseMode matches a wire mode string case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(s)) {
	case ModeManual:
		return ModeManual, nil
	case ModePatrol:
		return ModePatrol, nil
	case ModeSurveillance:
		return ModeSurveillance, nil
	}
	return ModeNone, fmt.Errorf("%w: invalid mode %q", protocol.ErrProtocol, s)
}

// Detection is one report from the perception collaborator. Consumed on
// the evaluation tick it arrives in, never retained beyond it.
type Detection struct {
	FacePresent bool    `json:"face_present"`
	Identity    string  `json:"identity,omitempty"`
	Confidence  float64 `json:"confidence"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	HasPosition bool    `json:"has_position"`
}

// Peripherals is the boundary to the servo/display daemon: posture,
// indicator color, eyelids, deterrent. Implementations must be cheap and
// non-blocking; failures are logged by the implementation, not surfaced
// into the state machine.
type Peripherals interface {
	SetEyeColor(color string) error
	RaiseArms() error
	LowerArms() error
	SetLaser(on bool) error
	OpenEyelids() error
	CloseEyelids() error
	StartIdleMotion() error
	StopIdleMotion() error
	FollowFace(x, y float64) error
}

// Motion is what the controller needs from the actuator bridge.
type Motion interface {
	TimedMove(dir actuator.Direction, d time.Duration) error
	StartSquarePatrol() error
	Stop(correlationID string) error
}

// Broadcaster fans telemetry out to sessions. Satisfied by
// telemetry.Broadcaster.
type Broadcaster interface {
	Broadcast(msgType string, data any)
}

// Journal persists the sticky alarm flag and an event trail. Satisfied by
// journal.Journal; may be nil.
type Journal interface {
	SetAlarm(active bool)
	Event(kind string, payload any)
}

// Status is the snapshot carried in status_update messages.
type Status struct {
	Mode             string          `json:"mode"`
	PatrolActive     bool            `json:"patrol_active"`
	AlarmActive      bool            `json:"alarm_active"`
	AlarmState       string          `json:"alarm_state"`
	Countdown        int             `json:"countdown"`
	FaceDetected     bool            `json:"face_detected"`
	RecognizedPerson string          `json:"recognized_person,omitempty"`
	Confidence       float64         `json:"confidence"`
	Movement         actuator.Status `json:"movement"`
	Degraded         bool            `json:"degraded"`
	UptimeSeconds    float64         `json:"uptime"`
}
