// Package protocol defines the JSON envelope spoken over the operator and
// monitor websocket links, the closed set of inbound command types, and the
// error taxonomy for the coordination core.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrProtocol marks a malformed frame. The frame is dropped, the
	// session survives.
	ErrProtocol = errors.New("protocol error")
	// ErrUnknownCommand marks an unsupported type. Acknowledged as a
	// failure, the session survives.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrTransport marks a channel drop; triggers reconnect backoff.
	ErrTransport = errors.New("transport error")
	// ErrActuatorTimeout marks a missed programmatic renewal. Control
	// reverts to the manual source, nothing escalates.
	ErrActuatorTimeout = errors.New("actuator renewal timeout")
	// ErrSensorFault marks a distance reading of exactly 0. Ignored, not
	// treated as an obstacle.
	ErrSensorFault = errors.New("sensor fault")
)

// Inbound command types.
const (
	TypePing             = "ping"
	TypeGetStatus        = "get_status"
	TypeSetMode          = "set_mode"
	TypeMove             = "move"
	TypeStop             = "stop"
	TypeStartPatrol      = "start_patrol"
	TypeStopPatrol       = "stop_patrol"
	TypeStartVideoStream = "start_video_stream"
	TypeStopVideoStream  = "stop_video_stream"
	TypeSetEyeColor      = "set_eye_color"
	TypeClearAlarm       = "clear_alarm"
	TypeActivateLaser    = "activate_laser"
	TypeDeactivateLaser  = "deactivate_laser"
	TypeRaiseArms        = "raise_arms"
	TypeLowerArms        = "lower_arms"
	TypeOpenEyelids      = "open_eyelids"
	TypeCloseEyelids     = "close_eyelids"
	TypeTurnLeft         = "turn_left"
	TypeTurnRight        = "turn_right"
	TypeTurnAround       = "turn_around"
	TypeEmergencyStop    = "emergency_stop"
)

// Outbound message types.
const (
	TypePong              = "pong"
	TypeStatusUpdate      = "status_update"
	TypeRecognitionResult = "recognition_result"
	TypeVideoFrame        = "video_frame"
	TypeCommandResponse   = "command_response"
	TypeCommandDispatched = "command_dispatched"
	TypeError             = "error"
)

// knownCommands is the closed inbound set. Anything else is
// ErrUnknownCommand.
var knownCommands = map[string]bool{
	TypePing:             true,
	TypeGetStatus:        true,
	TypeSetMode:          true,
	TypeMove:             true,
	TypeStop:             true,
	TypeStartPatrol:      true,
	TypeStopPatrol:       true,
	TypeStartVideoStream: true,
	TypeStopVideoStream:  true,
	TypeSetEyeColor:      true,
	TypeClearAlarm:       true,
	TypeActivateLaser:    true,
	TypeDeactivateLaser:  true,
	TypeRaiseArms:        true,
	TypeLowerArms:        true,
	TypeOpenEyelids:      true,
	TypeCloseEyelids:     true,
	TypeTurnLeft:         true,
	TypeTurnRight:        true,
	TypeTurnAround:       true,
	TypeEmergencyStop:    true,
}

// KnownCommand reports whether t is part of the closed inbound command set.
func KnownCommand(t string) bool { return knownCommands[t] }

// Envelope is the wire shape of every structured message in both
// directions: {type, data, id?}. The id is assigned by the sender and
// echoed back in responses. Immutable once received.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	ID   string          `json:"id,omitempty"`
}

// Parse decodes a raw frame into an Envelope. A frame without a type field
// is malformed.
func Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrProtocol)
	}
	return &env, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrProtocol, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: bad payload for %s: %v", ErrProtocol, e.Type, err)
	}
	return nil
}

// Marshal builds a wire frame from a type, payload and id.
func Marshal(msgType string, data any, id string) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Data: raw, ID: id})
}

// SetModeData is the payload of set_mode. Mode matching is
// case-insensitive.
type SetModeData struct {
	Mode string `json:"mode"`
}

// MoveData is the payload of move.
type MoveData struct {
	Direction  string `json:"direction"`
	Continuous bool   `json:"continuous"`
}

// SetEyeColorData is the payload of set_eye_color.
type SetEyeColorData struct {
	Color string `json:"color"`
}

// PingData carries the client timestamp, echoed back in the pong.
type PingData struct {
	Timestamp float64 `json:"timestamp"`
}

// PongData answers a JSON ping.
type PongData struct {
	Timestamp  float64 `json:"timestamp"`
	ServerTime float64 `json:"server_time"`
}

// CommandResponseData acknowledges a command back to its sender.
type CommandResponseData struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DispatchData reports a command outcome to every client so all control
// pads stay in sync; the carrying envelope's id is the command's
// correlation id.
type DispatchData struct {
	Command string `json:"command"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// RecognitionResultData announces escalation state changes.
type RecognitionResultData struct {
	Recognized bool    `json:"recognized"`
	Name       string  `json:"name,omitempty"`
	Message    string  `json:"message,omitempty"`
	EyeColor   string  `json:"eye_color,omitempty"`
	Emoji      string  `json:"emoji,omitempty"`
	Countdown  int     `json:"countdown"`
	Confidence float64 `json:"confidence"`
}

// VideoFrameData relays one encoded camera frame to video subscribers.
type VideoFrameData struct {
	Image     string  `json:"image"` // base64 JPEG
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Timestamp float64 `json:"timestamp"`
}
