package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stillwaiting/internal/app"
	logx "stillwaiting/pkg/logx"
	"stillwaiting/pkg/systemd"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config json/yaml (empty: environment only)")
	flag.Parse()
	boot := logx.NewConsole("info").With(logx.String("comp", "main"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	a, err := app.NewApp(cfgPath, app.Options{})
	if err != nil {
		boot.Error("init failed", logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		os.Exit(1)
	}
	if sent, err := systemd.Ready(); err != nil {
		boot.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		boot.Debug("sd_notify ready sent")
	}
	go func() {
		if err := systemd.Watchdog(ctx); err != nil {
			boot.Warn("watchdog stopped", logx.Err(err))
		}
	}()

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	cancel()

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		boot.Error("stopped on error", logx.Err(err))
		os.Exit(1)
	}
}
