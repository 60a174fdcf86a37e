//go:build linux && !tinygo

// Command rpi samples quadrature encoders wired to Raspberry Pi GPIO and
// serves their state over WebSocket. It runs the same core and telemetry
// path as the RP2040 firmware; the frames go to an in-process monitor
// instead of a serial link.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kidoman/embd"
	"golang.org/x/sync/errgroup"

	"quadenc/config"
	"quadenc/core"
	"quadenc/encoder"
	"quadenc/host/monitor"
	"quadenc/host/web"
	"quadenc/pcnt"
)

var (
	boardPath = flag.String("board", "", "Board JSON file (default: one encoder on gpio14/15)")
	listen    = flag.String("listen", ":8080", "HTTP listen address")
	wsPath    = flag.String("path", "/ws", "WebSocket path")
	coalesce  = flag.Duration("coalesce", 50*time.Millisecond, "Per-encoder WebSocket update window")
	logLevel  = flag.String("log-level", "info", "Log level: error, warn, info, debug")
)

func main() {
	flag.Parse()

	logger := newLogger(*logLevel)
	if err := run(logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func loadBoard() (*config.BoardConfig, error) {
	if *boardPath == "" {
		board := config.DefaultBoardConfig()
		board.Board = "rpi"
		board.Encoders[0].Backend = config.BackendSoft
		return board, nil
	}
	data, err := os.ReadFile(*boardPath)
	if err != nil {
		return nil, fmt.Errorf("read board config: %w", err)
	}
	board, err := config.Load(data)
	if err != nil {
		return nil, fmt.Errorf("board config %s: %w", *boardPath, err)
	}
	return board, nil
}

func run(logger *slog.Logger) error {
	board, err := loadBoard()
	if err != nil {
		return err
	}

	if err := embd.InitGPIO(); err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer embd.CloseGPIO()

	// All core calls happen on the sampling goroutine; the monitor is fed
	// from there too
	mon := monitor.New(nil, monitor.Options{Logger: logger, Labels: labels(board)})
	core.SetTelemetryWriter(mon.Feed)
	core.SetDebugWriter(func(s string) { logger.Debug(s) })
	core.SetDebugEnabled(logger.Enabled(context.Background(), slog.LevelDebug))

	clock := newMonotonicClock()
	core.SetTime(clock.Micros())
	core.TimerInit()
	core.InitEncoderCommands()

	var watched []io.Closer
	defer func() {
		for _, w := range watched {
			w.Close()
		}
	}()

	for _, enc := range board.Encoders {
		if enc.Backend != config.BackendSoft {
			logger.Warn("backend not available here, using soft", "oid", enc.OID, "backend", enc.Backend)
		}
		w, err := setupEncoder(enc, board, clock)
		if err != nil {
			logger.Warn("encoder skipped", "oid", enc.OID, "name", enc.Name, "error", err)
			continue
		}
		watched = append(watched, w)
		logger.Info("encoder ready", "oid", enc.OID, "name", enc.Name, "pin_a", enc.PinA, "pin_b", enc.PinB, "ppr", enc.PPR)
	}
	if len(watched) == 0 {
		return errors.New("no encoder could be set up")
	}
	core.SetReportInterval(board.ReportUS())

	// The monitor learns names and resolutions the way a host does
	for _, ch := range core.Encoders() {
		if err := core.SendMessage(ch.Info); err != nil {
			logger.Warn("encoder info", "oid", ch.OID, "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sampleLoop(ctx, clock, board.SampleUS())
	})

	srv := web.NewServer(logger, mon, web.ServerConfig{})
	updates, unsubscribe := mon.Subscribe(256)
	g.Go(func() error {
		defer unsubscribe()
		return srv.ListenAndServe(ctx, *listen, *wsPath, updates, *coalesce)
	})

	return g.Wait()
}

func labels(board *config.BoardConfig) map[uint8]string {
	out := make(map[uint8]string, len(board.Encoders))
	for _, enc := range board.Encoders {
		out[enc.OID] = enc.Name
	}
	return out
}

// watchPins starts edge delivery for one encoder; replaced in tests
var watchPins = func(soft *pcnt.Soft, a, b pcnt.Pin) (io.Closer, error) {
	return watchEncoder(soft, a, b)
}

// setupEncoder registers and starts one channel. Every entry uses the
// software decoder; pio and irq only exist on the RP2040. On error nothing
// is left registered or watched.
func setupEncoder(enc config.EncoderConfig, board *config.BoardConfig, clock *monotonicClock) (_ io.Closer, err error) {
	pinA, pinB := enc.Pins()
	soft := pcnt.NewSoft(pcnt.UnitID(enc.OID), clock.Micros)
	soft.SetEventHandler(core.HandleCounterEvent)

	q, err := encoder.New(soft, clock, encoder.Config{
		PinA:           pinA,
		PinB:           pinB,
		PPR:            enc.PPR,
		FilterAlpha:    enc.FilterAlpha,
		Invert:         enc.Invert,
		GlitchFilterUS: enc.GlitchFilterUS,
		HighLimit:      enc.HighLimit,
		LowLimit:       enc.LowLimit,
	})
	if err != nil {
		return nil, err
	}

	// Pins first: a channel is only registered once its edges arrive
	watcher, err := watchPins(soft, pinA, pinB)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			watcher.Close()
		}
	}()

	if _, err := core.RegisterEncoder(enc.OID, q, soft, core.EncoderConfig{
		Name:        enc.Name,
		PPR:         uint32(enc.PPR),
		PinA:        uint8(pinA),
		PinB:        uint8(pinB),
		Backend:     config.BackendSoft,
		SampleTicks: core.TimerFromUS(board.SampleUS()),
	}); err != nil {
		return nil, err
	}
	if err := core.StartEncoder(enc.OID); err != nil {
		core.UnregisterEncoder(enc.OID)
		return nil, err
	}
	return watcher, nil
}

// sampleLoop is the Linux stand-in for the firmware main loop
func sampleLoop(ctx context.Context, clock *monotonicClock, sampleUS uint32) error {
	ticker := time.NewTicker(time.Duration(sampleUS) * time.Microsecond / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, ch := range core.Encoders() {
				core.StopEncoder(ch.OID)
			}
			core.EncoderTask()
			return nil
		case <-ticker.C:
			core.SetTime(clock.Micros())
			core.ProcessTimers()
			core.EncoderTask()
		}
	}
}
