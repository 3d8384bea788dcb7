package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/technosupport/ts-rover/internal/actuator"
	"github.com/technosupport/ts-rover/internal/api"
	"github.com/technosupport/ts-rover/internal/config"
	"github.com/technosupport/ts-rover/internal/journal"
	"github.com/technosupport/ts-rover/internal/perception"
	"github.com/technosupport/ts-rover/internal/protocol"
	"github.com/technosupport/ts-rover/internal/robot"
	"github.com/technosupport/ts-rover/internal/router"
	"github.com/technosupport/ts-rover/internal/session"
	"github.com/technosupport/ts-rover/internal/telemetry"
	"github.com/technosupport/ts-rover/internal/tokens"
	"github.com/technosupport/ts-rover/internal/watchdog"
)

func main() {
	configPath := flag.String("config", "rover.yaml", "path to the config file")
	flag.Parse()

	// 1. Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("roverd: starting %s", cfg.Robot.Name)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 2. Watchdog
	dog := watchdog.New(cfg.Watchdog.Interval, watchdog.Limits{
		MaxCPUTemp:     cfg.Watchdog.MaxCPUTemp,
		MaxCPUUsage:    cfg.Watchdog.MaxCPUUsage,
		MaxMemoryUsage: cfg.Watchdog.MaxMemoryUsage,
		MaxDiskUsage:   cfg.Watchdog.MaxDiskUsage,
	})
	dog.Start()
	defer dog.Stop()

	// 3. Serial drive train. Open failure degrades instead of aborting:
	// the rover still serves telemetry and video without wheels.
	var port actuator.Port
	if sp, err := actuator.OpenSerial(cfg.Serial.Port, cfg.Serial.BaudRate); err != nil {
		log.Printf("roverd: serial %s: %v (degraded)", cfg.Serial.Port, err)
		dog.SetSerialDown(true)
	} else {
		port = sp
		defer sp.Close()
	}

	bridge := actuator.New(port, actuator.WithDegradedHook(func(reason string) {
		dog.SetSerialDown(true)
	}))
	bridge.Start()
	defer bridge.StopLoop()

	// 4. NATS perception link. Also optional at startup; NATS reconnects
	// on its own.
	var nc *nats.Conn
	var periph robot.Peripherals = perception.NopPeripherals{}
	nc, err = nats.Connect(cfg.NATS.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		log.Printf("roverd: nats %s: %v (peripherals disabled)", cfg.NATS.URL, err)
	} else {
		defer nc.Close()
		periph = perception.NewPort(nc, cfg.NATS.PeripheralSubject)
	}

	// 5. Journal
	var j *journal.Journal
	if cfg.Redis.Addr != "" {
		j = journal.New(cfg.Redis.Addr, cfg.Redis.Password)
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := j.Ping(pingCtx); err != nil {
			log.Printf("roverd: redis %s: %v (journal disabled)", cfg.Redis.Addr, err)
			_ = j.Close()
			j = nil
		}
		pingCancel()
	}

	// 6. Core state machine
	bc := telemetry.NewBroadcaster()
	var journalSink robot.Journal
	if j != nil {
		journalSink = j
	}
	ctrl := robot.NewController(bridge, periph, bc, journalSink, cfg.Modes,
		robot.WithMovementStatus(bridge.Snapshot),
		robot.WithDegraded(dog.Degraded))
	ctrl.Start()
	defer ctrl.Shutdown()

	// A restart must not forget an active alarm.
	if j != nil {
		restoreCtx, restoreCancel := context.WithTimeout(ctx, 3*time.Second)
		if active, err := j.AlarmActive(restoreCtx); err != nil {
			log.Printf("roverd: alarm restore: %v", err)
		} else if active {
			ctrl.RestoreAlarm()
		}
		restoreCancel()
	}

	// 7. Sessions and command routing
	tm := tokens.NewManager(cfg.Server.SigningKey)
	if !tm.Enabled() {
		log.Printf("roverd: JWT_SIGNING_KEY empty, websocket auth disabled")
	}
	cmdRouter := router.New(ctrl, bridge, periph, bc)
	hub := session.NewHub(tm, cmdRouter, bc, func() any { return ctrl.Snapshot() })
	defer hub.CloseAll()

	// 8. Perception feed
	if nc != nil {
		feed := perception.NewFeed(nc, ctrl, bc)
		if err := feed.Start(cfg.NATS.DetectionSubject, cfg.NATS.FrameSubject); err != nil {
			log.Printf("roverd: perception subscribe: %v", err)
		} else {
			defer feed.Stop()
		}
	}

	// 9. Operator uplink
	if cfg.Uplink.URL != "" {
		dialer := session.NewDialer(cfg.Uplink.URL, cfg.Uplink.BackoffBase,
			cfg.Uplink.BackoffGrowth, cfg.Uplink.BackoffCap, hub)
		go dialer.Run(ctx)
	}

	// 10. Config hot reload for tunables
	go config.Watch(ctx, *configPath, ctrl.SetTunables)

	// 11. Periodic status broadcast at 1 Hz
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				bc.Broadcast(protocol.TypeStatusUpdate, ctrl.Snapshot())
			case <-ctx.Done():
				return
			}
		}
	}()

	// 12. HTTP
	srv := api.NewServer(cfg.Robot.Name, hub, ctrl, dog, j)
	if err := api.Serve(ctx, cfg.Server.Addr, srv.Router()); err != nil {
		log.Fatalf("roverd: http: %v", err)
	}
	log.Printf("roverd: shut down")
}
