package router_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-rover/internal/actuator"
	"github.com/technosupport/ts-rover/internal/protocol"
	"github.com/technosupport/ts-rover/internal/robot"
	"github.com/technosupport/ts-rover/internal/router"
	"github.com/technosupport/ts-rover/internal/session"
	"github.com/technosupport/ts-rover/internal/telemetry"
	"github.com/technosupport/ts-rover/internal/tokens"
)

type fakeRobot struct {
	mu        sync.Mutex
	mode      robot.Mode
	setModes  []robot.Mode
	patrol    []bool
	clears    int
}

func (f *fakeRobot) SetMode(m robot.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = m
	f.setModes = append(f.setModes, m)
	return nil
}

func (f *fakeRobot) SetPatrolActive(active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patrol = append(f.patrol, active)
	return nil
}

func (f *fakeRobot) ClearAlarm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
}

func (f *fakeRobot) Snapshot() robot.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	mode := f.mode
	if mode == "" {
		mode = robot.ModeNone
	}
	return robot.Status{Mode: string(mode)}
}

type fakeMotion struct {
	mu     sync.Mutex
	moves  []actuator.Direction
	turns  []string
	stops  int
	estops int
}

func (f *fakeMotion) Move(dir actuator.Direction, _ bool, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, dir)
	return nil
}

func (f *fakeMotion) Stop(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeMotion) turn(kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, kind)
	return nil
}

func (f *fakeMotion) TurnLeft90() error  { return f.turn("left90") }
func (f *fakeMotion) TurnRight90() error { return f.turn("right90") }
func (f *fakeMotion) Turn180() error     { return f.turn("around") }

func (f *fakeMotion) EmergencyStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estops++
}

type fakePeriph struct {
	mu    sync.Mutex
	calls []string
}

func (p *fakePeriph) record(s string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, s)
	return nil
}

func (p *fakePeriph) SetEyeColor(color string) error { return p.record("eye:" + color) }
func (p *fakePeriph) RaiseArms() error               { return p.record("raise_arms") }
func (p *fakePeriph) LowerArms() error               { return p.record("lower_arms") }
func (p *fakePeriph) OpenEyelids() error             { return p.record("open_eyelids") }
func (p *fakePeriph) CloseEyelids() error            { return p.record("close_eyelids") }
func (p *fakePeriph) StartIdleMotion() error         { return p.record("idle_on") }
func (p *fakePeriph) StopIdleMotion() error          { return p.record("idle_off") }
func (p *fakePeriph) FollowFace(x, y float64) error  { return p.record("follow") }

func (p *fakePeriph) SetLaser(on bool) error {
	if on {
		return p.record("laser_on")
	}
	return p.record("laser_off")
}

type rig struct {
	robot  *fakeRobot
	motion *fakeMotion
	periph *fakePeriph
	bc     *telemetry.Broadcaster
	srv    *httptest.Server
	key    string
}

func newRig(t *testing.T, signingKey string) *rig {
	t.Helper()
	rg := &rig{
		robot:  &fakeRobot{},
		motion: &fakeMotion{},
		periph: &fakePeriph{},
		bc:     telemetry.NewBroadcaster(),
		key:    signingKey,
	}
	r := router.New(rg.robot, rg.motion, rg.periph, rg.bc)
	hub := session.NewHub(tokens.NewManager(signingKey), r, rg.bc, func() any {
		return rg.robot.Snapshot()
	})
	rg.srv = httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(rg.srv.Close)
	t.Cleanup(hub.CloseAll)
	return rg
}

func (rg *rig) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(rg.srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// Swallow the initial status push.
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Parse(msg)
	require.NoError(t, err)
	return env
}

func TestMoveCommandRespondsAndMirrors(t *testing.T) {
	rg := newRig(t, "")
	conn := rg.dial(t, "")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "move",
		"id":   "m1",
		"data": map[string]any{"direction": "forward", "continuous": true},
	}))

	resp := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeCommandResponse, resp.Type)
	assert.Equal(t, "m1", resp.ID)
	var body protocol.CommandResponseData
	require.NoError(t, resp.Decode(&body))
	assert.True(t, body.Success)

	mirror := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeCommandDispatched, mirror.Type)
	assert.Equal(t, "m1", mirror.ID, "mirror carries the correlation id")
	var disp protocol.DispatchData
	require.NoError(t, mirror.Decode(&disp))
	assert.Equal(t, "move", disp.Command)
	assert.True(t, disp.Success)

	assert.Equal(t, []actuator.Direction{actuator.Forward}, rg.motion.moves)
}

func TestUnknownCommandIsRejected(t *testing.T) {
	rg := newRig(t, "")
	conn := rg.dial(t, "")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "self_destruct", "id": "x"}))
	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Empty(t, rg.motion.moves)
}

func TestBadDirectionFailsCommand(t *testing.T) {
	rg := newRig(t, "")
	conn := rg.dial(t, "")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "move",
		"id":   "m2",
		"data": map[string]any{"direction": "sideways"},
	}))
	resp := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeCommandResponse, resp.Type)
	var body protocol.CommandResponseData
	require.NoError(t, resp.Decode(&body))
	assert.False(t, body.Success)
	assert.NotEmpty(t, body.Message)
	assert.Empty(t, rg.motion.moves)
}

func TestFailedDispatchReachesAllPeers(t *testing.T) {
	rg := newRig(t, "")
	sender := rg.dial(t, "")
	observer := rg.dial(t, "")

	require.NoError(t, sender.WriteJSON(map[string]any{
		"type": "move",
		"id":   "corr-42",
		"data": map[string]any{"direction": "sideways"},
	}))

	resp := readEnvelope(t, sender)
	require.Equal(t, protocol.TypeCommandResponse, resp.Type)
	var body protocol.CommandResponseData
	require.NoError(t, resp.Decode(&body))
	assert.False(t, body.Success)

	env := readEnvelope(t, observer)
	require.Equal(t, protocol.TypeCommandDispatched, env.Type)
	assert.Equal(t, "corr-42", env.ID)
	var disp protocol.DispatchData
	require.NoError(t, env.Decode(&disp))
	assert.Equal(t, "move", disp.Command)
	assert.False(t, disp.Success)
	assert.NotEmpty(t, disp.Message)
}

func TestTurnCommands(t *testing.T) {
	rg := newRig(t, "")
	conn := rg.dial(t, "")

	for _, cmd := range []string{"turn_left", "turn_right", "turn_around"} {
		require.NoError(t, conn.WriteJSON(map[string]any{"type": cmd}))
		resp := readEnvelope(t, conn)
		require.Equal(t, protocol.TypeCommandResponse, resp.Type)
		mirror := readEnvelope(t, conn)
		require.Equal(t, protocol.TypeCommandDispatched, mirror.Type)
	}
	assert.Equal(t, []string{"left90", "right90", "around"}, rg.motion.turns)
}

func TestSetModeIdempotentPerSession(t *testing.T) {
	rg := newRig(t, "")
	conn := rg.dial(t, "")

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteJSON(map[string]any{
			"type": "set_mode",
			"id":   "sm",
			"data": map[string]any{"mode": "patrol"},
		}))
		resp := readEnvelope(t, conn)
		require.Equal(t, protocol.TypeCommandResponse, resp.Type)
		var body protocol.CommandResponseData
		require.NoError(t, resp.Decode(&body))
		assert.True(t, body.Success)
		if i == 0 {
			// Only the first request is mirrored.
			mirror := readEnvelope(t, conn)
			assert.Equal(t, protocol.TypeCommandDispatched, mirror.Type)
		}
	}
	assert.Equal(t, []robot.Mode{robot.ModePatrol}, rg.robot.setModes)
}

func TestPingEchoesTimestamp(t *testing.T) {
	rg := newRig(t, "")
	conn := rg.dial(t, "")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "ping",
		"data": map[string]any{"timestamp": 123456},
	}))
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypePong, env.Type)
	var pong protocol.PongData
	require.NoError(t, env.Decode(&pong))
	assert.Equal(t, float64(123456), pong.Timestamp)
	assert.NotZero(t, pong.ServerTime)
}

func TestGetStatusAnswersDirectly(t *testing.T) {
	rg := newRig(t, "")
	conn := rg.dial(t, "")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "get_status", "id": "q1"}))
	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeStatusUpdate, env.Type)
	assert.Equal(t, "q1", env.ID)
}

func TestVideoToggleGatesFrames(t *testing.T) {
	rg := newRig(t, "")
	conn := rg.dial(t, "")

	rg.bc.BroadcastVideo(protocol.VideoFrameData{Image: "AAAA"})

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "start_video_stream", "id": "v1"}))
	resp := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeCommandResponse, resp.Type)

	rg.bc.BroadcastVideo(protocol.VideoFrameData{Image: "BBBB"})
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeVideoFrame, env.Type)
	var frame protocol.VideoFrameData
	require.NoError(t, env.Decode(&frame))
	assert.Equal(t, "BBBB", frame.Image, "frames sent before opt-in never arrive")
}

func TestPeripheralCommands(t *testing.T) {
	rg := newRig(t, "")
	conn := rg.dial(t, "")

	for _, cmd := range []string{"activate_laser", "raise_arms", "open_eyelids", "deactivate_laser"} {
		require.NoError(t, conn.WriteJSON(map[string]any{"type": cmd}))
		resp := readEnvelope(t, conn)
		require.Equal(t, protocol.TypeCommandResponse, resp.Type)
		mirror := readEnvelope(t, conn)
		require.Equal(t, protocol.TypeCommandDispatched, mirror.Type)
	}
	assert.Equal(t, []string{"laser_on", "raise_arms", "open_eyelids", "laser_off"}, rg.periph.calls)
}

func TestClearAlarmCommand(t *testing.T) {
	rg := newRig(t, "")
	conn := rg.dial(t, "")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "clear_alarm"}))
	resp := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeCommandResponse, resp.Type)
	assert.Equal(t, 1, rg.robot.clears)
}

func TestMonitorRoleCannotActuate(t *testing.T) {
	rg := newRig(t, "test-key")
	tm := tokens.NewManager("test-key")
	tok, err := tm.Generate("viewer", tokens.RoleMonitor, time.Minute)
	require.NoError(t, err)
	conn := rg.dial(t, "?token="+tok)

	// Queries are fine.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "get_status"}))
	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeStatusUpdate, env.Type)

	// Actuation is not.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "stop"}))
	env = readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Zero(t, rg.motion.stops)
}

func TestEmergencyStopBypassesRoleGate(t *testing.T) {
	rg := newRig(t, "test-key")
	tm := tokens.NewManager("test-key")
	tok, err := tm.Generate("viewer", tokens.RoleMonitor, time.Minute)
	require.NoError(t, err)
	conn := rg.dial(t, "?token="+tok)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "emergency_stop", "id": "e1"}))
	resp := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeCommandResponse, resp.Type)
	assert.Equal(t, "e1", resp.ID)
	var body protocol.CommandResponseData
	require.NoError(t, resp.Decode(&body))
	assert.True(t, body.Success)

	mirror := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeCommandDispatched, mirror.Type)
	assert.Equal(t, "e1", mirror.ID)
	assert.Equal(t, 1, rg.motion.estops)
}
