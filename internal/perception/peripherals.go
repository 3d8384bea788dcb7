package perception

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Port sends peripheral commands to the servo/display controller over
// NATS. It implements robot.Peripherals.
type Port struct {
	nc      *nats.Conn
	subject string
}

func NewPort(nc *nats.Conn, subject string) *Port {
	return &Port{nc: nc, subject: subject}
}

type peripheralCommand struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
}

func marshalCommand(action string, args map[string]any) ([]byte, error) {
	return json.Marshal(peripheralCommand{Action: action, Args: args})
}

// publish must stay cheap: callers invoke it from state-machine hooks.
// nc buffers writes and replays them across reconnects, so there is no
// retry here.
func (p *Port) publish(action string, args map[string]any) error {
	data, err := marshalCommand(action, args)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", action, err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", action, err)
	}
	return nil
}

func (p *Port) SetEyeColor(color string) error {
	return p.publish("set_eye_color", map[string]any{"color": color})
}

func (p *Port) RaiseArms() error { return p.publish("raise_arms", nil) }
func (p *Port) LowerArms() error { return p.publish("lower_arms", nil) }

func (p *Port) SetLaser(on bool) error {
	if on {
		return p.publish("activate_laser", nil)
	}
	return p.publish("deactivate_laser", nil)
}

func (p *Port) OpenEyelids() error     { return p.publish("open_eyelids", nil) }
func (p *Port) CloseEyelids() error    { return p.publish("close_eyelids", nil) }
func (p *Port) StartIdleMotion() error { return p.publish("start_idle_motion", nil) }
func (p *Port) StopIdleMotion() error  { return p.publish("stop_idle_motion", nil) }

func (p *Port) FollowFace(x, y float64) error {
	return p.publish("follow_face", map[string]any{"x": x, "y": y})
}

// NopPeripherals satisfies robot.Peripherals when the servo controller
// is unreachable; the rover keeps operating without posture or display.
type NopPeripherals struct{}

func (NopPeripherals) SetEyeColor(string) error      { return nil }
func (NopPeripherals) RaiseArms() error              { return nil }
func (NopPeripherals) LowerArms() error              { return nil }
func (NopPeripherals) SetLaser(bool) error           { return nil }
func (NopPeripherals) OpenEyelids() error            { return nil }
func (NopPeripherals) CloseEyelids() error           { return nil }
func (NopPeripherals) StartIdleMotion() error        { return nil }
func (NopPeripherals) StopIdleMotion() error         { return nil }
func (NopPeripherals) FollowFace(x, y float64) error { return nil }
