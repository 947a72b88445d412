package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetnotify/internal/app"
	logx "fleetnotify/pkg/logx"
	"fleetnotify/pkg/systemd"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	log := logx.NewConsole("INFO").With(logx.String("comp", "main"))
	if _, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	}
	go systemd.Watchdog(ctx, func() bool { return a.Err() == nil }, log)

	var reason app.StopReason
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = systemd.Stopping()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	cancel()

	if fatal := a.Err(); fatal != nil {
		fmt.Fprintln(os.Stderr, "fatal:", fatal)
		os.Exit(1)
	}
	if stopErr != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", stopErr)
		os.Exit(1)
	}
}
