package robot

import (
	"log"
	"math"
	"strings"
	"time"

	"github.com/anggasct/fluo"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-rover/internal/protocol"
)

const (
	alarmIdle      = "idle"
	alarmArmed     = "armed"
	alarmEscalated = "escalated"

	evUnknownFace = "unknown_face"
	evExpired     = "countdown_expired"
	evDeparted    = "face_departed"
	evRecognized  = "recognized_person"
	evClear       = "clear_alarm"
)

// escalation is the surveillance alarm ladder: idle -> armed (unknown
// face, wall-clock countdown running) -> escalated (sticky alarm). Only
// the explicit clear command leaves escalated. All methods are called
// with the owning Controller's mutex held.
type escalation struct {
	c       *Controller
	machine fluo.Machine

	alarmActive bool
	deadline    time.Time
	pauseUntil  time.Time
	lastTick    int
	evalNow     time.Time
	evalDet     Detection

	welcomed *lru.Cache[string, time.Time]
}

func newEscalation(c *Controller) *escalation {
	e := &escalation{c: c}
	e.welcomed, _ = lru.New[string, time.Time](64)

	def := fluo.NewMachine().
		State(alarmIdle).Initial().
		To(alarmArmed).On(evUnknownFace).
		ToSelf().On(evClear).Do(e.onClear).
		State(alarmArmed).OnEntry(e.onArm).
		To(alarmEscalated).On(evExpired).
		To(alarmIdle).On(evDeparted).Do(e.onDepart).
		To(alarmIdle).On(evRecognized).Do(e.onWelcome).
		To(alarmIdle).On(evClear).Do(e.onClear).
		State(alarmEscalated).OnEntry(e.onEscalate).
		To(alarmIdle).On(evClear).Do(e.onClear).
		Build()
	e.machine = def.CreateInstance()
	if err := e.machine.Start(); err != nil {
		log.Printf("robot: alarm machine start: %v", err)
	}
	return e
}

func (e *escalation) state() string {
	return e.machine.CurrentState()
}

func (e *escalation) paused(now time.Time) bool {
	return now.Before(e.pauseUntil)
}

func (e *escalation) countdownSecs(now time.Time) int {
	if e.state() != alarmArmed || e.deadline.IsZero() {
		return 0
	}
	rem := int(math.Ceil(e.deadline.Sub(now).Seconds()))
	if rem < 0 {
		return 0
	}
	return rem
}

// evaluate classifies one detection against the current alarm state.
// Ticks with a stale detection arrive here as the zero Detection, which
// reads as "nobody in frame".
func (e *escalation) evaluate(now time.Time, det Detection) {
	if e.paused(now) {
		return
	}
	e.evalNow = now
	e.evalDet = det

	unknown := det.FacePresent && (det.Identity == "" || det.Confidence < e.c.tun.ConfidenceThreshold)
	known := det.FacePresent && !unknown

	switch e.state() {
	case alarmIdle:
		if unknown {
			e.handle(evUnknownFace)
		} else if known {
			e.greet(now, det)
		}
	case alarmArmed:
		switch {
		case known:
			e.handle(evRecognized)
		case !det.FacePresent:
			e.handle(evDeparted)
		case !now.Before(e.deadline):
			e.handle(evExpired)
		default:
			if rem := e.countdownSecs(now); rem != e.lastTick {
				e.lastTick = rem
				e.broadcastRecognition(false, "", "Unknown person detected", "yellow", "⚠️", rem, det.Confidence)
			}
		}
	case alarmEscalated:
		// Sticky. Departure or a late recognition does not silence it.
	}
}

// clear handles the explicit operator acknowledgement from any state.
func (e *escalation) clear(now time.Time) {
	e.evalNow = now
	if res := e.machine.HandleEvent(evClear, nil); res.Error != nil {
		log.Printf("robot: clear alarm: %v", res.Error)
	}
}

// restore re-establishes a sticky alarm recorded before a restart.
// SetState bypasses entry hooks, so the siren side effects of the
// original escalation do not replay; only the indicator is restored.
func (e *escalation) restore() {
	e.alarmActive = true
	if err := e.machine.SetState(alarmEscalated); err != nil {
		log.Printf("robot: restore alarm: %v", err)
		return
	}
	e.c.tryPeriph("eye color", e.c.periph.SetEyeColor("red"))
}

// activate runs on surveillance entry. A sticky alarm survives mode
// churn, so re-entering surveillance lands back in escalated.
func (e *escalation) activate() {
	if e.alarmActive {
		if err := e.machine.SetState(alarmEscalated); err != nil {
			log.Printf("robot: activate alarm state: %v", err)
		}
		e.c.tryPeriph("eye color", e.c.periph.SetEyeColor("red"))
		return
	}
	if err := e.machine.SetState(alarmIdle); err != nil {
		log.Printf("robot: activate alarm state: %v", err)
	}
	e.c.tryPeriph("eye color", e.c.periph.SetEyeColor("blue"))
}

// disarm runs on surveillance exit. It cancels a running countdown and
// stows the deterrent posture but leaves alarmActive untouched.
func (e *escalation) disarm() {
	if e.state() == alarmArmed {
		e.c.tryPeriph("lower arms", e.c.periph.LowerArms())
		e.c.tryPeriph("laser off", e.c.periph.SetLaser(false))
	}
	e.deadline = time.Time{}
	if err := e.machine.SetState(alarmIdle); err != nil {
		log.Printf("robot: disarm alarm state: %v", err)
	}
}

func (e *escalation) handle(ev string) {
	res := e.machine.HandleEvent(ev, nil)
	if res.Error != nil {
		log.Printf("robot: alarm event %s: %v", ev, res.Error)
	}
}

func (e *escalation) greet(now time.Time, det Detection) {
	if !e.trusted(det.Identity) {
		return
	}
	key := strings.ToLower(det.Identity)
	if last, ok := e.welcomed.Get(key); ok && now.Sub(last) < e.c.tun.WelcomePause {
		return
	}
	e.welcomed.Add(key, now)
	e.pauseUntil = now.Add(e.c.tun.WelcomePause)
	e.c.tryPeriph("eye color", e.c.periph.SetEyeColor("green"))
	e.broadcastRecognition(true, det.Identity, "Welcome back, "+det.Identity+"!", "green", "\U0001f60a", 0, det.Confidence)
	e.c.journalEvent("welcome", map[string]any{"identity": det.Identity, "confidence": det.Confidence})
	log.Printf("robot: welcomed %s (%.2f)", det.Identity, det.Confidence)
}

// trusted reports whether an identity rates a spoken welcome. An empty
// allow list trusts every enrolled face.
func (e *escalation) trusted(identity string) bool {
	if len(e.c.tun.TrustedIdentities) == 0 {
		return true
	}
	for _, t := range e.c.tun.TrustedIdentities {
		if strings.EqualFold(t, identity) {
			return true
		}
	}
	return false
}

// Alarm ladder hooks, run inside HandleEvent.

func (e *escalation) onArm(fluo.Context) error {
	now := e.evalNow
	e.deadline = now.Add(time.Duration(e.c.tun.CountdownSeconds) * time.Second)
	e.lastTick = e.c.tun.CountdownSeconds
	e.c.tryPeriph("eye color", e.c.periph.SetEyeColor("yellow"))
	e.c.tryPeriph("raise arms", e.c.periph.RaiseArms())
	e.c.tryPeriph("laser on", e.c.periph.SetLaser(true))
	e.broadcastRecognition(false, "", "Unknown person detected", "yellow", "⚠️", e.lastTick, e.evalDet.Confidence)
	e.c.journalEvent("alarm_armed", map[string]any{"confidence": e.evalDet.Confidence})
	log.Printf("robot: unknown face, countdown %ds", e.c.tun.CountdownSeconds)
	return nil
}

func (e *escalation) onEscalate(fluo.Context) error {
	e.alarmActive = true
	e.deadline = time.Time{}
	alarmEscalations.Inc()
	e.c.tryPeriph("eye color", e.c.periph.SetEyeColor("red"))
	e.broadcastRecognition(false, "", "Intruder alert! Alarm activated", "red", "\U0001f6a8", 0, e.evalDet.Confidence)
	e.c.journalAlarm(true)
	e.c.journalEvent("alarm_escalated", nil)
	log.Printf("robot: countdown expired, alarm active")
	return nil
}

func (e *escalation) onDepart(fluo.Context) error {
	e.deadline = time.Time{}
	e.stow()
	e.broadcastRecognition(false, "", "Area clear", "blue", "", 0, 0)
	e.c.journalEvent("alarm_stood_down", nil)
	log.Printf("robot: face departed, alarm stood down")
	return nil
}

func (e *escalation) onWelcome(fluo.Context) error {
	e.deadline = time.Time{}
	e.stow()
	det := e.evalDet
	e.welcomed.Add(strings.ToLower(det.Identity), e.evalNow)
	e.pauseUntil = e.evalNow.Add(e.c.tun.WelcomePause)
	e.c.tryPeriph("eye color", e.c.periph.SetEyeColor("green"))
	e.broadcastRecognition(true, det.Identity, "Welcome back, "+det.Identity+"!", "green", "\U0001f60a", 0, det.Confidence)
	e.c.journalEvent("welcome", map[string]any{"identity": det.Identity, "confidence": det.Confidence})
	log.Printf("robot: recognized %s mid-countdown, alarm stood down", det.Identity)
	return nil
}

func (e *escalation) onClear(fluo.Context) error {
	e.alarmActive = false
	e.deadline = time.Time{}
	e.stow()
	e.c.tryPeriph("eye color", e.c.periph.SetEyeColor("blue"))
	e.broadcastRecognition(false, "", "Alarm cleared", "blue", "", 0, 0)
	e.c.journalAlarm(false)
	e.c.journalEvent("alarm_cleared", nil)
	log.Printf("robot: alarm cleared")
	return nil
}

func (e *escalation) stow() {
	e.c.tryPeriph("lower arms", e.c.periph.LowerArms())
	e.c.tryPeriph("laser off", e.c.periph.SetLaser(false))
}

func (e *escalation) broadcastRecognition(recognized bool, name, message, eyeColor, emoji string, countdown int, confidence float64) {
	e.c.tel.Broadcast(protocol.TypeRecognitionResult, protocol.RecognitionResultData{
		Recognized: recognized,
		Name:       name,
		Message:    message,
		EyeColor:   eyeColor,
		Emoji:      emoji,
		Countdown:  countdown,
		Confidence: confidence,
	})
}
