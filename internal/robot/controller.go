package robot

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/anggasct/fluo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/technosupport/ts-rover/internal/actuator"
	"github.com/technosupport/ts-rover/internal/config"
	"github.com/technosupport/ts-rover/internal/protocol"
)

var (
	modeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rover_mode_transitions_total",
		Help: "Completed mode transitions by source and target mode.",
	}, []string{"from", "to"})

	alarmEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rover_alarm_escalations_total",
		Help: "Countdown expiries that raised the intruder alarm.",
	})
)

const (
	stateNone         = "none"
	stateManual       = "manual"
	statePatrol       = "patrol"
	stateSurveillance = "surveillance"

	evToManual       = "to_manual"
	evToPatrol       = "to_patrol"
	evToSurveillance = "to_surveillance"

	defaultTick = 100 * time.Millisecond

	// Detections older than this are treated as "nobody in frame".
	detectionStale = 2 * time.Second

	// A square sweep is 4x(2s straight + 1s pivot) plus settle margin.
	squareSweepBusy = 13 * time.Second
)

var patrolDirs = []actuator.Direction{actuator.Forward, actuator.Backward, actuator.Left, actuator.Right}

// Controller is the mode state machine. Every public method locks the
// same mutex, so command handling, detection intake, and the periodic
// tick never interleave.
type Controller struct {
	mu      sync.Mutex
	machine fluo.Machine
	esc     *escalation

	motion  Motion
	periph  Peripherals
	tel     Broadcaster
	journal Journal
	tun     config.Tunables
	rng     *rand.Rand
	now     func() time.Time

	patrolActive    bool
	patrolLast      time.Time
	patrolBusyUntil time.Time
	latest          Detection
	latestAt        time.Time
	started         time.Time

	movementFn func() actuator.Status
	degradedFn func() bool

	tick time.Duration
	quit chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithRand replaces the patrol direction source.
func WithRand(r *rand.Rand) Option {
	return func(c *Controller) { c.rng = r }
}

// WithUpdateInterval changes the evaluation cadence.
func WithUpdateInterval(d time.Duration) Option {
	return func(c *Controller) { c.tick = d }
}

// WithMovementStatus supplies the actuator snapshot for status_update.
func WithMovementStatus(fn func() actuator.Status) Option {
	return func(c *Controller) { c.movementFn = fn }
}

// WithDegraded supplies the health flag for status_update.
func WithDegraded(fn func() bool) Option {
	return func(c *Controller) { c.degradedFn = fn }
}

// NewController builds the controller in mode NONE. journal may be nil.
func NewController(motion Motion, periph Peripherals, tel Broadcaster, journal Journal, tun config.Tunables, opts ...Option) *Controller {
	c := &Controller{
		motion:  motion,
		periph:  periph,
		tel:     tel,
		journal: journal,
		tun:     tun,
		now:     time.Now,
		tick:    defaultTick,
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rng == nil {
		seed := tun.RandomSeed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		c.rng = rand.New(rand.NewSource(seed))
	}
	c.started = c.now()
	c.esc = newEscalation(c)

	def := fluo.NewMachine().
		State(stateNone).Initial().
		To(stateManual).On(evToManual).
		To(statePatrol).On(evToPatrol).
		To(stateSurveillance).On(evToSurveillance).
		State(stateManual).
		OnEntry(c.enterManual).OnExit(c.exitManual).
		To(statePatrol).On(evToPatrol).
		To(stateSurveillance).On(evToSurveillance).
		State(statePatrol).
		OnEntry(c.enterPatrol).OnExit(c.exitPatrol).
		To(stateManual).On(evToManual).
		To(stateSurveillance).On(evToSurveillance).
		State(stateSurveillance).
		OnEntry(c.enterSurveillance).OnExit(c.exitSurveillance).
		To(stateManual).On(evToManual).
		To(statePatrol).On(evToPatrol).
		Build()
	c.machine = def.CreateInstance()
	if err := c.machine.Start(); err != nil {
		log.Printf("robot: mode machine start: %v", err)
	}
	return c
}

// Start launches the evaluation loop.
func (c *Controller) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.update(c.now())
			case <-c.quit:
				return
			}
		}
	}()
}

// Shutdown stops the loop and halts motion.
func (c *Controller) Shutdown() {
	close(c.quit)
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.motion.Stop(""); err != nil {
		log.Printf("robot: shutdown stop: %v", err)
	}
}

// Mode returns the current operating mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode()
}

// SetMode requests a transition. Requesting the current mode is a no-op
// success and fires no entry or exit hooks.
func (c *Controller) SetMode(m Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setMode(m)
}

// SetPatrolActive toggles the patrol cadence, switching into patrol mode
// first when enabling from elsewhere.
func (c *Controller) SetPatrolActive(active bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if active && c.mode() != ModePatrol {
		if err := c.setMode(ModePatrol); err != nil {
			return err
		}
	}
	c.patrolActive = active
	if !active {
		if err := c.motion.Stop(""); err != nil {
			log.Printf("robot: patrol stop: %v", err)
		}
	}
	c.broadcastStatus()
	return nil
}

// SubmitDetection records the latest perception report and, in
// surveillance mode, evaluates it immediately instead of waiting for the
// next tick.
func (c *Controller) SubmitDetection(d Detection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = d
	c.latestAt = c.now()
	if c.mode() == ModeSurveillance {
		c.evaluateSurveillance(c.now(), d)
	}
}

// ClearAlarm is the explicit operator acknowledgement. Valid in any
// alarm state.
func (c *Controller) ClearAlarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.esc.clear(c.now())
	c.broadcastStatus()
}

// RestoreAlarm re-arms the sticky alarm flag from the journal after a
// restart. It skips peripheral side effects other than the indicator.
func (c *Controller) RestoreAlarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.esc.restore()
	log.Printf("robot: alarm restored from journal")
}

// SetTunables applies a hot-reloaded tuning block.
func (c *Controller) SetTunables(t config.Tunables) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tun = t
	log.Printf("robot: tunables reloaded (threshold=%.2f countdown=%ds)", t.ConfidenceThreshold, t.CountdownSeconds)
}

// Snapshot returns the current status for broadcast or the status API.
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(c.now())
}

func (c *Controller) mode() Mode {
	switch c.machine.CurrentState() {
	case stateManual:
		return ModeManual
	case statePatrol:
		return ModePatrol
	case stateSurveillance:
		return ModeSurveillance
	}
	return ModeNone
}

func (c *Controller) setMode(m Mode) error {
	cur := c.mode()
	if m == cur {
		return nil
	}
	var ev string
	switch m {
	case ModeManual:
		ev = evToManual
	case ModePatrol:
		ev = evToPatrol
	case ModeSurveillance:
		ev = evToSurveillance
	default:
		return fmt.Errorf("%w: invalid mode %q", protocol.ErrProtocol, m)
	}
	res := c.machine.HandleEvent(ev, nil)
	if !res.Success() {
		if res.Error != nil {
			return res.Error
		}
		return fmt.Errorf("%w: mode %s rejected: %s", protocol.ErrProtocol, m, res.RejectionReason)
	}
	modeTransitions.WithLabelValues(string(cur), string(m)).Inc()
	log.Printf("robot: mode %s -> %s", cur, m)
	c.broadcastStatus()
	return nil
}

func (c *Controller) update(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.mode() {
	case ModePatrol:
		c.updatePatrol(now)
	case ModeSurveillance:
		det := c.latest
		if now.Sub(c.latestAt) > detectionStale {
			det = Detection{}
		}
		c.evaluateSurveillance(now, det)
	}
}

func (c *Controller) updatePatrol(now time.Time) {
	if !c.patrolActive || now.Before(c.patrolBusyUntil) {
		return
	}
	if now.Sub(c.patrolLast) < c.tun.PatrolInterval {
		return
	}
	c.patrolLast = now
	// Mostly short random-walk bursts, occasionally a full square sweep.
	if c.rng.Intn(6) == 0 {
		if err := c.motion.StartSquarePatrol(); err != nil {
			log.Printf("robot: square sweep: %v", err)
			return
		}
		c.patrolBusyUntil = now.Add(squareSweepBusy)
		return
	}
	dir := patrolDirs[c.rng.Intn(len(patrolDirs))]
	if err := c.motion.TimedMove(dir, c.tun.PatrolBurst); err != nil {
		log.Printf("robot: patrol burst: %v", err)
	}
}

func (c *Controller) evaluateSurveillance(now time.Time, det Detection) {
	c.esc.evaluate(now, det)
	if det.FacePresent && det.HasPosition && !c.esc.paused(now) {
		if err := c.periph.FollowFace(det.X, det.Y); err != nil {
			log.Printf("robot: follow face: %v", err)
		}
	}
}

func (c *Controller) snapshot(now time.Time) Status {
	det := c.latest
	if now.Sub(c.latestAt) > detectionStale {
		det = Detection{}
	}
	s := Status{
		Mode:             string(c.mode()),
		PatrolActive:     c.patrolActive,
		AlarmActive:      c.esc.alarmActive,
		AlarmState:       c.esc.state(),
		Countdown:        c.esc.countdownSecs(now),
		FaceDetected:     det.FacePresent,
		RecognizedPerson: det.Identity,
		Confidence:       det.Confidence,
		UptimeSeconds:    now.Sub(c.started).Seconds(),
	}
	if c.movementFn != nil {
		s.Movement = c.movementFn()
	}
	if c.degradedFn != nil {
		s.Degraded = c.degradedFn()
	}
	return s
}

func (c *Controller) broadcastStatus() {
	c.tel.Broadcast(protocol.TypeStatusUpdate, c.snapshot(c.now()))
}

func (c *Controller) journalEvent(kind string, payload any) {
	if c.journal != nil {
		c.journal.Event(kind, payload)
	}
}

func (c *Controller) journalAlarm(active bool) {
	if c.journal != nil {
		c.journal.SetAlarm(active)
	}
}

func (c *Controller) tryPeriph(op string, err error) {
	if err != nil {
		log.Printf("robot: peripheral %s: %v", op, err)
	}
}

// Mode entry/exit hooks. These run inside HandleEvent while c.mu is
// held; exit hooks for the old state run before entry hooks for the new
// one.

func (c *Controller) enterManual(fluo.Context) error {
	c.tryPeriph("idle motion", c.periph.StartIdleMotion())
	return nil
}

func (c *Controller) exitManual(fluo.Context) error {
	c.tryPeriph("idle motion off", c.periph.StopIdleMotion())
	if err := c.motion.Stop(""); err != nil {
		log.Printf("robot: exit manual stop: %v", err)
	}
	return nil
}

func (c *Controller) enterPatrol(fluo.Context) error {
	c.tryPeriph("eye color", c.periph.SetEyeColor("yellow"))
	c.patrolLast = c.now()
	c.patrolBusyUntil = time.Time{}
	return nil
}

func (c *Controller) exitPatrol(fluo.Context) error {
	c.patrolActive = false
	if err := c.motion.Stop(""); err != nil {
		log.Printf("robot: exit patrol stop: %v", err)
	}
	return nil
}

func (c *Controller) enterSurveillance(fluo.Context) error {
	c.tryPeriph("eyelids", c.periph.OpenEyelids())
	c.esc.activate()
	return nil
}

func (c *Controller) exitSurveillance(fluo.Context) error {
	c.esc.disarm()
	if err := c.motion.Stop(""); err != nil {
		log.Printf("robot: exit surveillance stop: %v", err)
	}
	return nil
}
