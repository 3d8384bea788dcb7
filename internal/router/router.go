// Package router maps inbound command envelopes onto the controller,
// the actuator bridge, and the peripheral port, and answers each command
// on the session it arrived on.
package router

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/technosupport/ts-rover/internal/actuator"
	"github.com/technosupport/ts-rover/internal/protocol"
	"github.com/technosupport/ts-rover/internal/robot"
	"github.com/technosupport/ts-rover/internal/session"
	"github.com/technosupport/ts-rover/internal/tokens"
)

var metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rover_commands_total",
	Help: "Inbound commands by type and outcome.",
}, []string{"type", "outcome"})

// RobotControl is the mode-level surface the router drives.
type RobotControl interface {
	SetMode(m robot.Mode) error
	SetPatrolActive(active bool) error
	ClearAlarm()
	Snapshot() robot.Status
}

// Motion is the direct-drive surface.
type Motion interface {
	Move(dir actuator.Direction, continuous bool, corrID string) error
	Stop(corrID string) error
	TurnLeft90() error
	TurnRight90() error
	Turn180() error
	EmergencyStop()
}

// Broadcaster mirrors command outcomes to every peer so dashboards
// agree on who did what. The id carries the command's correlation id.
type Broadcaster interface {
	BroadcastID(msgType string, data any, id string)
}

type Router struct {
	robot  RobotControl
	motion Motion
	periph robot.Peripherals
	tel    Broadcaster
}

func New(rc RobotControl, motion Motion, periph robot.Peripherals, tel Broadcaster) *Router {
	return &Router{robot: rc, motion: motion, periph: periph, tel: tel}
}

// HandleCommand implements session.CommandHandler. It runs on the
// session's read goroutine; everything it calls is non-blocking.
func (r *Router) HandleCommand(s *session.Session, env *protocol.Envelope) {
	corrID := env.ID
	if corrID == "" {
		corrID = uuid.NewString()
	}

	if !protocol.KnownCommand(env.Type) {
		metricCommands.WithLabelValues(env.Type, "unknown").Inc()
		s.SendError(fmt.Sprintf("%v %q", protocol.ErrUnknownCommand, env.Type), corrID)
		return
	}

	// Emergency stop outranks the role gate: any connected client may
	// halt the drivetrain.
	if env.Type == protocol.TypeEmergencyStop {
		r.motion.EmergencyStop()
		metricCommands.WithLabelValues(env.Type, "ok").Inc()
		s.Send(protocol.TypeCommandResponse, protocol.CommandResponseData{Success: true}, corrID)
		r.tel.BroadcastID(protocol.TypeCommandDispatched, protocol.DispatchData{
			Command: env.Type,
			Success: true,
		}, corrID)
		return
	}

	// Queries are answered directly and never mirrored.
	switch env.Type {
	case protocol.TypePing:
		r.handlePing(s, env, corrID)
		return
	case protocol.TypeGetStatus:
		s.Send(protocol.TypeStatusUpdate, r.robot.Snapshot(), corrID)
		metricCommands.WithLabelValues(env.Type, "ok").Inc()
		return
	}

	if s.Role() == tokens.RoleMonitor {
		metricCommands.WithLabelValues(env.Type, "forbidden").Inc()
		s.SendError("monitor sessions cannot issue commands", corrID)
		return
	}

	mirror, err := r.dispatch(s, env)
	outcome := "ok"
	msg := ""
	if err != nil {
		outcome = "error"
		msg = err.Error()
		log.Printf("router: %s from %s: %v", env.Type, s.ClientID(), err)
	}
	metricCommands.WithLabelValues(env.Type, outcome).Inc()

	s.Send(protocol.TypeCommandResponse, protocol.CommandResponseData{
		Success: err == nil,
		Message: msg,
	}, corrID)

	// Failures always reach every peer; successes only when they changed
	// shared state.
	if err != nil || mirror {
		r.tel.BroadcastID(protocol.TypeCommandDispatched, protocol.DispatchData{
			Command: env.Type,
			Success: err == nil,
			Message: msg,
		}, corrID)
	}
}

func (r *Router) handlePing(s *session.Session, env *protocol.Envelope, corrID string) {
	var ping protocol.PingData
	_ = env.Decode(&ping) // empty body is a valid ping
	s.Send(protocol.TypePong, protocol.PongData{
		Timestamp:  ping.Timestamp,
		ServerTime: float64(time.Now().UnixMilli()),
	}, corrID)
	metricCommands.WithLabelValues(env.Type, "ok").Inc()
}

// dispatch executes one state-changing command. mirror reports whether
// a success should be echoed to every peer as command_dispatched;
// per-session toggles and idempotent repeats are not.
func (r *Router) dispatch(s *session.Session, env *protocol.Envelope) (mirror bool, err error) {
	switch env.Type {
	case protocol.TypeSetMode:
		return r.handleSetMode(s, env)

	case protocol.TypeMove:
		var mv protocol.MoveData
		if err := env.Decode(&mv); err != nil {
			return false, err
		}
		dir, err := actuator.ParseDirection(mv.Direction)
		if err != nil {
			return false, err
		}
		return true, r.motion.Move(dir, mv.Continuous, env.ID)

	case protocol.TypeStop:
		return true, r.motion.Stop(env.ID)

	case protocol.TypeTurnLeft:
		return true, r.motion.TurnLeft90()

	case protocol.TypeTurnRight:
		return true, r.motion.TurnRight90()

	case protocol.TypeTurnAround:
		return true, r.motion.Turn180()

	case protocol.TypeStartPatrol:
		return true, r.robot.SetPatrolActive(true)

	case protocol.TypeStopPatrol:
		return true, r.robot.SetPatrolActive(false)

	case protocol.TypeStartVideoStream:
		s.SetVideo(true)
		return false, nil

	case protocol.TypeStopVideoStream:
		s.SetVideo(false)
		return false, nil

	case protocol.TypeSetEyeColor:
		var ec protocol.SetEyeColorData
		if err := env.Decode(&ec); err != nil {
			return false, err
		}
		if ec.Color == "" {
			return false, fmt.Errorf("%w: missing color", protocol.ErrProtocol)
		}
		return true, r.periph.SetEyeColor(ec.Color)

	case protocol.TypeClearAlarm:
		r.robot.ClearAlarm()
		return true, nil

	case protocol.TypeActivateLaser:
		return true, r.periph.SetLaser(true)

	case protocol.TypeDeactivateLaser:
		return true, r.periph.SetLaser(false)

	case protocol.TypeRaiseArms:
		return true, r.periph.RaiseArms()

	case protocol.TypeLowerArms:
		return true, r.periph.LowerArms()

	case protocol.TypeOpenEyelids:
		return true, r.periph.OpenEyelids()

	case protocol.TypeCloseEyelids:
		return true, r.periph.CloseEyelids()
	}
	return false, errors.New("unhandled command")
}

// handleSetMode is idempotent per session: a peer re-sending its current
// mode gets a success response without the state machine being touched
// or the change being mirrored.
func (r *Router) handleSetMode(s *session.Session, env *protocol.Envelope) (bool, error) {
	var sm protocol.SetModeData
	if err := env.Decode(&sm); err != nil {
		return false, err
	}
	mode, err := robot.ParseMode(sm.Mode)
	if err != nil {
		return false, err
	}
	if s.SyncMode(string(mode)) && r.robot.Snapshot().Mode == string(mode) {
		return false, nil
	}
	return true, r.robot.SetMode(mode)
}
