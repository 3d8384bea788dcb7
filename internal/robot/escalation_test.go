package robot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-rover/internal/protocol"
)

func unknownFace() Detection {
	return Detection{FacePresent: true, Confidence: 0.3}
}

func knownFace(name string) Detection {
	return Detection{FacePresent: true, Identity: name, Confidence: 0.95}
}

// tickSurveillance advances the clock in 100ms steps, re-submitting the
// same detection the way a live perception feed would.
func (h *harness) tickSurveillance(d, step time.Duration, det Detection) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		h.clk.advance(step)
		h.c.SubmitDetection(det)
	}
}

func TestUnknownFaceArmsCountdown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.SetMode(ModeSurveillance))

	h.c.SubmitDetection(unknownFace())

	assert.Equal(t, alarmArmed, h.c.esc.state())
	assert.Equal(t, 1, h.periph.count("raise_arms"))
	assert.Equal(t, 1, h.periph.count("laser_on"))
	assert.Equal(t, 10, h.c.Snapshot().Countdown)

	results := h.tel.ofType(protocol.TypeRecognitionResult)
	require.NotEmpty(t, results)
	first := results[0].data.(protocol.RecognitionResultData)
	assert.False(t, first.Recognized)
	assert.Equal(t, 10, first.Countdown)
}

func TestSustainedUnknownEscalatesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.SetMode(ModeSurveillance))

	h.c.SubmitDetection(unknownFace())
	h.tickSurveillance(12*time.Second, 100*time.Millisecond, unknownFace())

	assert.Equal(t, alarmEscalated, h.c.esc.state())
	st := h.c.Snapshot()
	assert.True(t, st.AlarmActive)
	assert.Equal(t, 0, st.Countdown)
	assert.Equal(t, []bool{true}, h.journal.alarmSets, "alarm persisted exactly once")

	// Sticky: departure does not silence it.
	h.tickSurveillance(5*time.Second, time.Second, Detection{})
	assert.True(t, h.c.Snapshot().AlarmActive)

	// Sticky: a late recognition does not silence it either.
	h.c.SubmitDetection(knownFace("sonia"))
	assert.True(t, h.c.Snapshot().AlarmActive)
}

func TestDepartureBeforeExpiryStandsDown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.SetMode(ModeSurveillance))

	h.c.SubmitDetection(unknownFace())
	h.tickSurveillance(3*time.Second, 100*time.Millisecond, unknownFace())
	require.Equal(t, alarmArmed, h.c.esc.state())

	h.c.SubmitDetection(Detection{})

	assert.Equal(t, alarmIdle, h.c.esc.state())
	st := h.c.Snapshot()
	assert.False(t, st.AlarmActive)
	assert.Equal(t, 0, st.Countdown)
	assert.Equal(t, 1, h.periph.count("lower_arms"))
	assert.Equal(t, 1, h.periph.count("laser_off"))
	assert.Empty(t, h.journal.alarmSets)
}

func TestRecognitionMidCountdownWelcomes(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.SetMode(ModeSurveillance))

	h.c.SubmitDetection(unknownFace())
	h.tickSurveillance(4*time.Second, time.Second, unknownFace())
	h.c.SubmitDetection(knownFace("sonia"))

	assert.Equal(t, alarmIdle, h.c.esc.state())
	assert.False(t, h.c.Snapshot().AlarmActive)

	results := h.tel.ofType(protocol.TypeRecognitionResult)
	last := results[len(results)-1].data.(protocol.RecognitionResultData)
	assert.True(t, last.Recognized)
	assert.Equal(t, "sonia", last.Name)
	assert.Contains(t, last.Message, "sonia")
}

func TestWelcomePausesDetection(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.SetMode(ModeSurveillance))

	h.c.SubmitDetection(knownFace("sonia"))
	welcomes := len(h.tel.ofType(protocol.TypeRecognitionResult))
	require.Equal(t, 1, welcomes)

	// Within the pause window nothing is evaluated, not even an
	// unknown face.
	h.tickSurveillance(10*time.Second, time.Second, unknownFace())
	assert.Equal(t, alarmIdle, h.c.esc.state())

	// After the window the same face may be greeted once more; the
	// fresh pause stops it from repeating every frame.
	h.tickSurveillance(25*time.Second, time.Second, knownFace("sonia"))
	assert.Equal(t, 2, len(h.tel.ofType(protocol.TypeRecognitionResult)))
}

func TestClearAlarmFromEscalated(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.SetMode(ModeSurveillance))

	h.c.SubmitDetection(unknownFace())
	h.tickSurveillance(11*time.Second, time.Second, unknownFace())
	require.Equal(t, alarmEscalated, h.c.esc.state())

	h.c.ClearAlarm()

	st := h.c.Snapshot()
	assert.False(t, st.AlarmActive)
	assert.Equal(t, 0, st.Countdown)
	assert.Equal(t, alarmIdle, h.c.esc.state())
	assert.Equal(t, []bool{true, false}, h.journal.alarmSets)
}

func TestClearAlarmWhenIdleIsHarmless(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.SetMode(ModeSurveillance))
	h.c.ClearAlarm()
	assert.Equal(t, alarmIdle, h.c.esc.state())
	assert.False(t, h.c.Snapshot().AlarmActive)
}

func TestCountdownBroadcastsPerSecond(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.SetMode(ModeSurveillance))

	h.c.SubmitDetection(unknownFace())
	h.tickSurveillance(5*time.Second, 100*time.Millisecond, unknownFace())

	var ticks []int
	for _, ev := range h.tel.ofType(protocol.TypeRecognitionResult) {
		ticks = append(ticks, ev.data.(protocol.RecognitionResultData).Countdown)
	}
	// Arming announces 10, then one broadcast per elapsed second, no
	// duplicates.
	assert.Equal(t, []int{10, 9, 8, 7, 6, 5}, ticks)
}

func TestAlarmSurvivesModeChurn(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.SetMode(ModeSurveillance))

	h.c.SubmitDetection(unknownFace())
	h.tickSurveillance(11*time.Second, time.Second, unknownFace())
	require.True(t, h.c.Snapshot().AlarmActive)

	require.NoError(t, h.c.SetMode(ModeManual))
	assert.True(t, h.c.Snapshot().AlarmActive, "alarm flag survives leaving surveillance")

	require.NoError(t, h.c.SetMode(ModeSurveillance))
	assert.Equal(t, alarmEscalated, h.c.esc.state(), "re-entry lands back in escalated")
}

func TestModeExitCancelsCountdown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.SetMode(ModeSurveillance))

	h.c.SubmitDetection(unknownFace())
	require.Equal(t, alarmArmed, h.c.esc.state())

	require.NoError(t, h.c.SetMode(ModeManual))
	assert.Equal(t, alarmIdle, h.c.esc.state())
	assert.False(t, h.c.Snapshot().AlarmActive)

	// The countdown does not fire after the mode left.
	h.clk.advance(time.Minute)
	h.c.update(h.clk.now())
	assert.False(t, h.c.Snapshot().AlarmActive)
}

func TestRestoreAlarm(t *testing.T) {
	h := newHarness(t)
	h.c.RestoreAlarm()
	require.NoError(t, h.c.SetMode(ModeSurveillance))

	st := h.c.Snapshot()
	assert.True(t, st.AlarmActive)
	assert.Equal(t, alarmEscalated, h.c.esc.state())
	// Restoring replays no journal writes.
	assert.Empty(t, h.journal.alarmSets)
}

func TestFaceFollowOnlyOutsidePause(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.SetMode(ModeSurveillance))

	h.c.SubmitDetection(Detection{FacePresent: true, Identity: "sonia", Confidence: 0.9, X: 0.4, Y: 0.6, HasPosition: true})
	follows := h.periph.count("follow")
	assert.Zero(t, follows, "welcome pause suppresses tracking")

	h.clk.advance(31 * time.Second)
	h.c.SubmitDetection(Detection{FacePresent: true, Confidence: 0.2, X: 0.5, Y: 0.5, HasPosition: true})
	assert.Equal(t, 1, h.periph.count("follow"))
}
