// Command mock-executor simulates an executor over TCP so the host can be
// run without hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"motionlink/executor"
)

var (
	listen    = flag.String("listen", "127.0.0.1:7777", "TCP address to accept the host on")
	motors    = flag.Int("motors", 8, "Motors offered")
	fragments = flag.Int("fragments", 16, "Fragment slots offered")
	samples   = flag.Int("samples", 256, "Samples per fragment offered")
	maxSteps  = flag.Int("max-steps", 64, "Steps per sample offered")
	cpu       = flag.Int("cpu", -1, "Pin the sample loop to this CPU (Linux)")
	limits    = flag.String("limits", "", "Simulated limit switches, motor:position:dir[,...]")
	sensor    = flag.Duration("sensor", 0, "Report a simulated temperature at this interval")
	verbose   = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	switches, err := parseSwitches(*limits)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Info("mock executor listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				log.Error("accept failed", "err", err)
			}
			return
		}
		log.Info("host connected", "remote", conn.RemoteAddr().String())
		err = serve(ctx, conn, switches, log)
		conn.Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("session ended", "err", err)
		}
	}
}

// serve runs a fresh executor for one host connection.
func serve(ctx context.Context, conn net.Conn, switches []executor.Switch, log *slog.Logger) error {
	cfg := executor.DefaultConfig()
	cfg.Motors = *motors
	cfg.Fragments = *fragments
	cfg.Samples = *samples
	cfg.MaxSteps = *maxSteps

	io := executor.NewSimIO(cfg.Motors)
	for _, sw := range switches {
		io.AddSwitch(sw)
	}
	x := executor.New(cfg, io)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if *sensor > 0 {
		go report(ctx, x, *sensor)
	}
	defer func() {
		s := x.Stats()
		log.Info("session stats", "samples", s.Samples, "fragments", s.Fragments, "underruns", s.Underruns,
			"limits", s.Limits, "timeouts", s.Timeouts, "positions", io.Positions())
	}()

	if *cpu >= 0 {
		return x.RunPinned(ctx, conn, *cpu)
	}
	return x.Serve(ctx, conn)
}

// report sends a slowly oscillating reading in hundredths of a degree.
func report(ctx context.Context, x *executor.Executor, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			phase := now.Sub(start).Seconds() / 30
			x.Report(0, int32(2150+50*math.Sin(2*math.Pi*phase)))
		}
	}
}

func parseSwitches(list string) ([]executor.Switch, error) {
	if list == "" {
		return nil, nil
	}
	var out []executor.Switch
	for _, item := range strings.Split(list, ",") {
		var sw executor.Switch
		if _, err := fmt.Sscanf(item, "%d:%d:%d", &sw.Motor, &sw.At, &sw.Dir); err != nil {
			return nil, fmt.Errorf("bad limit %q: %w", item, err)
		}
		if sw.Dir != 1 && sw.Dir != -1 {
			return nil, fmt.Errorf("bad limit %q: direction must be 1 or -1", item)
		}
		out = append(out, sw)
	}
	return out, nil
}
