package actuator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePort struct {
	tokens []string
}

func (f *fakePort) WriteCommand(token string) error {
	f.tokens = append(f.tokens, token)
	return nil
}

func (f *fakePort) Close() error { return nil }

func (f *fakePort) last() string {
	if len(f.tokens) == 0 {
		return ""
	}
	return f.tokens[len(f.tokens)-1]
}

type fakeStick struct {
	dir Direction
	ok  bool
}

func (f *fakeStick) Read() (Direction, bool) { return f.dir, f.ok }

type fakeSensor struct {
	cm float64
}

func (f *fakeSensor) Distance() float64 { return f.cm }

func TestParseDirection(t *testing.T) {
	for _, s := range []string{"forward", "backward", "left", "right", "stop"} {
		_, err := ParseDirection(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseDirection("sideways")
	assert.Error(t, err)
}

func TestProgrammaticMove(t *testing.T) {
	port := &fakePort{}
	b := New(port)
	base := time.Now()

	require.NoError(t, b.Move(Forward, true, "c-1"))
	b.cycle(base)

	assert.Equal(t, "move_forward", port.last())
	snap := b.Snapshot()
	assert.Equal(t, "forward", snap.Direction)
	assert.Equal(t, "programmatic", snap.Source)
}

func TestProgrammaticTimeoutRevertsToManual(t *testing.T) {
	port := &fakePort{}
	stick := &fakeStick{dir: Forward, ok: true}
	b := New(port, WithManualInput(stick))
	base := time.Now()

	require.NoError(t, b.Move(Forward, true, "c-1"))
	b.cycle(base)
	assert.Equal(t, "programmatic", b.Snapshot().Source)

	// 31 simulated seconds with no renewal: control reverts and the
	// drivetrain is halted as a safety measure.
	b.cycle(base.Add(31 * time.Second))
	snap := b.Snapshot()
	assert.Equal(t, "manual", snap.Source)
	assert.Equal(t, "stop", snap.Direction)

	// The held controller drives again on the next cycle.
	b.cycle(base.Add(31*time.Second + 50*time.Millisecond))
	assert.Equal(t, "move_forward", port.last())
	assert.Equal(t, "manual", b.Snapshot().Source)
}

func TestRenewalKeepsProgrammaticControl(t *testing.T) {
	port := &fakePort{}
	stick := &fakeStick{dir: Backward, ok: true}
	b := New(port, WithManualInput(stick))
	base := time.Now()

	require.NoError(t, b.Move(Forward, true, "c-1"))
	b.cycle(base)

	// Renew at 20s: the 30s window restarts, manual stays locked out.
	require.NoError(t, b.Move(Forward, true, "c-2"))
	b.cycle(base.Add(20 * time.Second))
	b.cycle(base.Add(40 * time.Second))

	snap := b.Snapshot()
	assert.Equal(t, "programmatic", snap.Source)
	assert.Equal(t, "forward", snap.Direction)
}

func TestManualIgnoredWhileProgrammaticActive(t *testing.T) {
	port := &fakePort{}
	stick := &fakeStick{dir: Left, ok: true}
	b := New(port, WithManualInput(stick))
	base := time.Now()

	require.NoError(t, b.Move(Backward, false, ""))
	b.cycle(base)
	b.cycle(base.Add(time.Second))

	snap := b.Snapshot()
	assert.Equal(t, "backward", snap.Direction)
	assert.NotContains(t, port.tokens, "move_left")
}

func TestManualDrivesWhenIdle(t *testing.T) {
	port := &fakePort{}
	stick := &fakeStick{dir: Forward, ok: true}
	b := New(port, WithManualInput(stick))

	b.cycle(time.Now())

	assert.Equal(t, "move_forward", port.last())
	assert.Equal(t, "manual", b.Snapshot().Source)
}

func TestObstaclePreemptsWithinOneCycle(t *testing.T) {
	port := &fakePort{}
	sensor := &fakeSensor{cm: 100}
	b := New(port, WithDistanceSensor(sensor))
	base := time.Now()

	require.NoError(t, b.Move(Forward, true, ""))
	b.cycle(base)
	require.Equal(t, "move_forward", port.last())

	sensor.cm = 15
	b.cycle(base.Add(200 * time.Millisecond))

	// stop, then evade backwards.
	assert.Equal(t, "move_backward", port.last())
	assert.Contains(t, port.tokens, "stop")
	assert.True(t, b.Snapshot().ObstacleDetected)

	// Evasion: reverse, pivot, stop, prior control source restored.
	b.cycle(base.Add(1200 * time.Millisecond))
	assert.Equal(t, "move_right", port.last())
	b.cycle(base.Add(3 * time.Second))
	assert.Equal(t, "stop", port.last())
	assert.Equal(t, "programmatic", b.Snapshot().Source)
}

func TestZeroDistanceIsSensorFault(t *testing.T) {
	port := &fakePort{}
	sensor := &fakeSensor{cm: 0}
	b := New(port, WithDistanceSensor(sensor))
	base := time.Now()

	require.NoError(t, b.Move(Forward, true, ""))
	b.cycle(base)
	b.cycle(base.Add(200 * time.Millisecond))

	snap := b.Snapshot()
	assert.False(t, snap.ObstacleDetected)
	assert.Equal(t, "forward", snap.Direction)
	assert.NotContains(t, port.tokens, "move_backward")
}

func TestTurnAutoStops(t *testing.T) {
	port := &fakePort{}
	b := New(port)
	base := time.Now()

	require.NoError(t, b.TurnRight90())
	b.cycle(base)
	assert.Equal(t, "move_right", port.last())

	// Still turning before the calibrated duration elapses.
	b.cycle(base.Add(500 * time.Millisecond))
	assert.Equal(t, "move_right", port.last())

	b.cycle(base.Add(1100 * time.Millisecond))
	assert.Equal(t, "stop", port.last())
	assert.Equal(t, "stop", b.Snapshot().Direction)
}

func TestSquarePatrolRunsEightStepsThenStops(t *testing.T) {
	port := &fakePort{}
	b := New(port)
	base := time.Now()

	require.NoError(t, b.StartSquarePatrol())
	b.cycle(base)
	assert.True(t, b.Snapshot().SquarePatrol)

	// Walk the full cycle: 4x (2.0s straight + 1.0s pivot) = 12s.
	forwards, pivots := 0, 0
	for elapsed := 100 * time.Millisecond; elapsed <= 13*time.Second; elapsed += 100 * time.Millisecond {
		b.cycle(base.Add(elapsed))
	}
	for _, tok := range port.tokens {
		switch tok {
		case "move_forward":
			forwards++
		case "move_right":
			pivots++
		}
	}
	assert.Equal(t, 4, forwards)
	assert.Equal(t, 4, pivots)
	assert.False(t, b.Snapshot().SquarePatrol)
	assert.Equal(t, "stop", b.Snapshot().Direction)
}

func TestEmergencyStopAbortsSquarePatrol(t *testing.T) {
	port := &fakePort{}
	b := New(port)
	base := time.Now()

	require.NoError(t, b.StartSquarePatrol())
	b.cycle(base)
	require.True(t, b.Snapshot().SquarePatrol)

	b.EmergencyStop()
	// Outputs are zeroed immediately, before any cycle runs.
	assert.Equal(t, "stop", port.last())

	b.cycle(base.Add(100 * time.Millisecond))
	snap := b.Snapshot()
	assert.False(t, snap.SquarePatrol)
	assert.Equal(t, "stop", snap.Direction)

	// The aborted step never resumes.
	b.cycle(base.Add(5 * time.Second))
	assert.Equal(t, "stop", b.Snapshot().Direction)
}

func TestQueueFull(t *testing.T) {
	b := New(&fakePort{})
	for i := 0; i < 32; i++ {
		require.NoError(t, b.Move(Forward, false, ""))
	}
	assert.ErrorIs(t, b.Move(Forward, false, ""), ErrBridgeBusy)
}
