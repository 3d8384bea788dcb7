// Package actuator arbitrates drivetrain control between the locally
// attached manual controller and programmatic commands from the
// coordination core, and runs fixed-duration maneuvers on the serial motor
// bridge.
package actuator

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/technosupport/ts-rover/internal/protocol"
)

var (
	metricObstacleOverrides = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rover_obstacle_overrides_total",
		Help: "Motion preemptions caused by the proximity sensor",
	})

	metricControlReverts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rover_control_reverts_total",
		Help: "Programmatic control reverts to manual after the renewal timeout",
	})

	metricEmergencyStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rover_emergency_stops_total",
		Help: "Emergency stop activations",
	})
)

// Calibrated constants. The turn durations are tuned against the chassis
// at fixed motor power, not computed.
const (
	programmaticTimeout = 30 * time.Second
	obstacleThresholdCM = 20.0
	obstacleReverse     = 800 * time.Millisecond
	obstaclePivot       = time.Second
	turn90Duration      = 1050 * time.Millisecond
	turn180Duration     = 2100 * time.Millisecond
	squareStraight      = 2 * time.Second
	squarePivot         = time.Second
	sensorPollInterval  = 100 * time.Millisecond
)

var ErrBridgeBusy = errors.New("actuator command queue full")

type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
	Left     Direction = "left"
	Right    Direction = "right"
	Halt     Direction = "stop"
)

// ParseDirection validates a wire direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Forward, Backward, Left, Right, Halt:
		return Direction(s), nil
	}
	return "", fmt.Errorf("%w: invalid direction %q", protocol.ErrProtocol, s)
}

var serialTokens = map[Direction]string{
	Forward:  "move_forward",
	Backward: "move_backward",
	Left:     "move_left",
	Right:    "move_right",
	Halt:     "stop",
}

// Source tags who currently drives the actuators.
type Source int

const (
	SourceManual Source = iota
	SourceProgrammatic
)

func (s Source) String() string {
	if s == SourceProgrammatic {
		return "programmatic"
	}
	return "manual"
}

// MotionIntent is the single source of truth for what the drivetrain is
// doing and on whose behalf.
type MotionIntent struct {
	Source     Source
	Direction  Direction
	Continuous bool
	IssuedAt   time.Time
}

// ManualInput is the locally attached controller, read every control
// cycle. ok=false means the stick is centered / controller absent.
type ManualInput interface {
	Read() (Direction, bool)
}

// DistanceSensor reports the forward obstacle distance in centimeters.
// A reading of exactly 0 is a sensor fault and must be ignored.
type DistanceSensor interface {
	Distance() float64
}

// Status is the bridge's contribution to status snapshots.
type Status struct {
	Direction        string `json:"current_direction"`
	Source           string `json:"control_source"`
	SquarePatrol     bool   `json:"square_patrol_active"`
	ObstacleDetected bool   `json:"obstacle_detected"`
}

type cmdKind int

const (
	cmdMove cmdKind = iota
	cmdStop
	cmdTurn
	cmdSquarePatrol
)

type command struct {
	kind       cmdKind
	dir        Direction
	continuous bool
	duration   time.Duration // for cmdTurn
	corrID     string
}

// maneuver is a fixed-duration step sequence. A generation counter
// invalidates steps left over from a cancelled maneuver.
type maneuver struct {
	steps []maneuverStep
	idx   int
	until time.Time
	gen   uint64
	kind  string // "turn", "square", "obstacle"
}

type maneuverStep struct {
	dir Direction
	dur time.Duration
}

// Bridge owns the control loop. All drivetrain state is mutated only
// inside cycle(), which consumes queued commands non-blockingly at the
// top of each pass and never blocks on session I/O.
type Bridge struct {
	port   Port
	manual ManualInput
	sensor DistanceSensor

	cmds  chan command
	estop atomic.Bool
	quit  chan struct{}
	wg    sync.WaitGroup

	// Control-loop state, single-owner.
	intent       MotionIntent
	progActive   bool
	progRenewed  time.Time
	active       *maneuver
	gen          uint64
	lastManual   Direction
	lastSensorAt time.Time
	obstacle     bool
	sensorFault  bool

	onDegraded func(reason string)

	mu       sync.Mutex // guards the snapshot copy only
	snapshot Status
}

type Option func(*Bridge)

// WithManualInput attaches the held controller.
func WithManualInput(m ManualInput) Option { return func(b *Bridge) { b.manual = m } }

// WithDistanceSensor attaches the proximity sensor.
func WithDistanceSensor(s DistanceSensor) Option { return func(b *Bridge) { b.sensor = s } }

// WithDegradedHook is called when the serial link errors.
func WithDegradedHook(fn func(reason string)) Option { return func(b *Bridge) { b.onDegraded = fn } }

func New(port Port, opts ...Option) *Bridge {
	b := &Bridge{
		port: port,
		cmds: make(chan command, 32),
		quit: make(chan struct{}),
		intent: MotionIntent{
			Source:    SourceManual,
			Direction: Halt,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.snapshot = Status{Direction: string(Halt), Source: SourceManual.String()}
	return b
}

// Start runs the control loop at 20 Hz.
func (b *Bridge) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.cycle(time.Now())
			case <-b.quit:
				return
			}
		}
	}()
}

func (b *Bridge) StopLoop() {
	close(b.quit)
	b.wg.Wait()
	b.send(Halt)
}

// Move issues a programmatic directional command. Non-continuous moves
// also run until explicitly stopped; the flag exists so operators can
// tell a held-button drive from a one-shot nudge in telemetry.
func (b *Bridge) Move(dir Direction, continuous bool, corrID string) error {
	return b.enqueue(command{kind: cmdMove, dir: dir, continuous: continuous, corrID: corrID})
}

// Stop halts programmatic motion.
func (b *Bridge) Stop(corrID string) error {
	return b.enqueue(command{kind: cmdStop, corrID: corrID})
}

func (b *Bridge) TurnLeft90() error {
	return b.enqueue(command{kind: cmdTurn, dir: Left, duration: turn90Duration})
}

func (b *Bridge) TurnRight90() error {
	return b.enqueue(command{kind: cmdTurn, dir: Right, duration: turn90Duration})
}

func (b *Bridge) Turn180() error {
	return b.enqueue(command{kind: cmdTurn, dir: Right, duration: turn180Duration})
}

// StartSquarePatrol begins the 8-step square cycle.
func (b *Bridge) StartSquarePatrol() error {
	return b.enqueue(command{kind: cmdSquarePatrol})
}

// TimedMove drives dir for d then stops, as a single-step maneuver.
func (b *Bridge) TimedMove(dir Direction, d time.Duration) error {
	return b.enqueue(command{kind: cmdTurn, dir: dir, duration: d})
}

// EmergencyStop always wins immediately: outputs are zeroed on the spot
// and the next cycle cancels any in-flight maneuver.
func (b *Bridge) EmergencyStop() {
	metricEmergencyStops.Inc()
	b.estop.Store(true)
	b.send(Halt)
}

func (b *Bridge) enqueue(cmd command) error {
	select {
	case b.cmds <- cmd:
		return nil
	default:
		return ErrBridgeBusy
	}
}

// Snapshot returns the last published control state.
func (b *Bridge) Snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot
}

// cycle is one pass of the control loop. Ordering matters: emergency
// stop, queued commands, renewal timeout, obstacle override, maneuver
// stepping, manual pass-through.
func (b *Bridge) cycle(now time.Time) {
	if b.estop.Load() {
		b.estop.Store(false)
		b.cancelManeuver()
		b.progActive = false
		b.intent = MotionIntent{Source: SourceManual, Direction: Halt, IssuedAt: now}
		b.lastManual = Halt
		b.send(Halt)
		b.drain()
		b.publish()
		return
	}

	for {
		select {
		case cmd := <-b.cmds:
			b.apply(cmd, now)
		default:
			goto applied
		}
	}
applied:

	// Safety timeout: a programmatic source that stops renewing loses the
	// drivetrain back to the manual controller.
	if b.progActive && now.Sub(b.progRenewed) > programmaticTimeout {
		log.Printf("Bridge: %v, reverting to manual control", protocol.ErrActuatorTimeout)
		metricControlReverts.Inc()
		b.progActive = false
		if b.active == nil || b.active.kind != "obstacle" {
			b.cancelManeuver()
			b.setMotion(SourceManual, Halt, false, now)
			b.lastManual = Halt
			// Halt for the remainder of this cycle; the stick takes
			// over on the next pass.
			b.publish()
			return
		}
	}

	b.checkObstacle(now)
	b.stepManeuver(now)

	// Manual pass-through only while no programmatic source holds the
	// drivetrain and no maneuver is running.
	if !b.progActive && b.active == nil && b.manual != nil {
		dir, ok := b.manual.Read()
		if !ok {
			dir = Halt
		}
		if dir != b.lastManual {
			b.lastManual = dir
			b.setMotion(SourceManual, dir, ok, now)
		}
	}

	b.publish()
}

func (b *Bridge) apply(cmd command, now time.Time) {
	// Any programmatic command claims control and stamps the renewal
	// window.
	b.progActive = true
	b.progRenewed = now

	// Obstacle override outranks inbound commands except stop.
	if b.active != nil && b.active.kind == "obstacle" && cmd.kind != cmdStop {
		return
	}

	switch cmd.kind {
	case cmdMove:
		b.cancelManeuver()
		b.setMotion(SourceProgrammatic, cmd.dir, cmd.continuous, now)
	case cmdStop:
		b.cancelManeuver()
		b.setMotion(SourceProgrammatic, Halt, false, now)
	case cmdTurn:
		b.beginManeuver("turn", now, maneuverStep{dir: cmd.dir, dur: cmd.duration})
	case cmdSquarePatrol:
		steps := make([]maneuverStep, 0, 8)
		for i := 0; i < 4; i++ {
			steps = append(steps,
				maneuverStep{dir: Forward, dur: squareStraight},
				maneuverStep{dir: Right, dur: squarePivot})
		}
		b.beginManeuver("square", now, steps...)
	}
}

func (b *Bridge) checkObstacle(now time.Time) {
	if b.sensor == nil || now.Sub(b.lastSensorAt) < sensorPollInterval {
		return
	}
	b.lastSensorAt = now

	d := b.sensor.Distance()
	if d == 0 {
		if !b.sensorFault {
			b.sensorFault = true
			log.Printf("Bridge: %v, ignoring distance readings", protocol.ErrSensorFault)
		}
		b.obstacle = false
		return
	}
	b.sensorFault = false
	if d >= obstacleThresholdCM {
		b.obstacle = false
		return
	}

	b.obstacle = true
	if b.active != nil && b.active.kind == "obstacle" {
		return // already evading
	}
	if b.intent.Direction == Halt && b.active == nil {
		return // parked; nothing to preempt
	}

	log.Printf("Bridge: obstacle at %.0fcm, preempting %s motion", d, b.intent.Source)
	metricObstacleOverrides.Inc()
	b.send(Halt)
	b.beginManeuver("obstacle", now,
		maneuverStep{dir: Backward, dur: obstacleReverse},
		maneuverStep{dir: Right, dur: obstaclePivot})
}

func (b *Bridge) beginManeuver(kind string, now time.Time, steps ...maneuverStep) {
	b.gen++
	b.active = &maneuver{steps: steps, gen: b.gen, kind: kind}
	b.startStep(now)
}

func (b *Bridge) startStep(now time.Time) {
	step := b.active.steps[b.active.idx]
	b.active.until = now.Add(step.dur)
	src := SourceProgrammatic
	if b.active.kind == "obstacle" && !b.progActive {
		src = SourceManual
	}
	b.setMotion(src, step.dir, false, now)
}

func (b *Bridge) stepManeuver(now time.Time) {
	m := b.active
	if m == nil || now.Before(m.until) {
		return
	}
	if m.gen != b.gen {
		b.active = nil
		return
	}

	m.idx++
	if m.idx >= len(m.steps) {
		b.active = nil
		b.setMotion(b.intent.Source, Halt, false, now)
		return
	}
	b.send(Halt)
	b.startStep(now)
}

func (b *Bridge) cancelManeuver() {
	if b.active != nil {
		b.gen++
		b.active = nil
	}
}

func (b *Bridge) setMotion(src Source, dir Direction, continuous bool, now time.Time) {
	b.intent = MotionIntent{Source: src, Direction: dir, Continuous: continuous, IssuedAt: now}
	b.send(dir)
}

func (b *Bridge) send(dir Direction) {
	if b.port == nil {
		return
	}
	if err := b.port.WriteCommand(serialTokens[dir]); err != nil {
		log.Printf("Bridge: %v", err)
		if b.onDegraded != nil {
			b.onDegraded("serial write failed")
		}
	}
}

func (b *Bridge) drain() {
	for {
		select {
		case <-b.cmds:
		default:
			return
		}
	}
}

func (b *Bridge) publish() {
	b.mu.Lock()
	b.snapshot = Status{
		Direction:        string(b.intent.Direction),
		Source:           b.intent.Source.String(),
		SquarePatrol:     b.active != nil && b.active.kind == "square",
		ObstacleDetected: b.obstacle,
	}
	b.mu.Unlock()
}
