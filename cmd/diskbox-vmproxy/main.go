//go:build linux

// diskbox-vmproxy runs as init inside the diskbox VM. It answers the host's
// control channel until asked to shut down, then powers the VM off.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/containerd/containerd/v2/pkg/shutdown"
	"github.com/containerd/containerd/v2/pkg/sys/reaper"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/diskbox/internal/guest"
	"github.com/spin-stack/diskbox/internal/guest/helper"
	"github.com/spin-stack/diskbox/internal/vsock"
)

type serviceConfig struct {
	Transport string
	Port      int
	Debug     bool
	Shutdown  shutdown.Service
}

func main() {
	var config serviceConfig
	flag.StringVar(&config.Transport, "transport", "serial", "control channel: serial or vsock")
	flag.IntVar(&config.Port, "port", vsock.ControlPort, "vsock port to listen on")
	flag.BoolVar(&config.Debug, "debug", false, "debug log level")
	flag.Parse()

	if config.Debug {
		_ = log.SetLevel("debug")
	} else {
		_ = log.SetLevel("info")
	}

	ctx := context.Background()
	log.G(ctx).WithField("args", os.Args[1:]).Debug("starting diskbox-vmproxy")

	defer func() {
		if p := recover(); p != nil {
			log.G(ctx).WithField("panic", p).Error("recovered from panic")
		}
		unix.Sync()
		log.G(ctx).Info("powering off VM")
		if err := unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF); err != nil {
			log.G(ctx).WithError(err).Error("failed to power off VM")
		}
	}()

	if err := run(ctx, config); err != nil {
		log.G(ctx).WithError(err).Error("exiting with error")
	}
}

func run(ctx context.Context, config serviceConfig) error {
	t1 := time.Now()
	ctx, config.Shutdown = shutdown.WithShutdown(ctx)

	if err := helper.Init(ctx); err != nil {
		return err
	}
	log.G(ctx).WithField("t", time.Since(t1)).Debug("guest initialized")

	runtime.GOMAXPROCS(2)

	h := helper.New()
	serveErr := make(chan error, 1)
	go func() {
		switch config.Transport {
		case "vsock":
			serveErr <- helper.ServeVsock(ctx, uint32(config.Port), h)
		default:
			serveErr <- helper.ServeSerial(ctx, h)
		}
	}()

	s := make(chan os.Signal, 16)
	signal.Notify(s, unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGQUIT, unix.SIGCHLD)
	for {
		select {
		case <-config.Shutdown.Done():
			if err := config.Shutdown.Err(); err != nil && !errors.Is(err, shutdown.ErrShutdown) {
				log.G(ctx).WithError(err).Error("shutdown error")
			}
			return nil
		case err := <-serveErr:
			if errors.Is(err, guest.ErrShutdown) {
				log.G(ctx).Info("shutdown requested by host")
				return nil
			}
			return err
		case sig := <-s:
			switch sig {
			case unix.SIGCHLD:
				if err := reaper.Reap(); err != nil {
					log.G(ctx).WithError(err).Error("failed to reap child process")
				}
			case unix.SIGINT, unix.SIGTERM, unix.SIGQUIT:
				log.G(ctx).WithField("signal", sig).Info("received shutdown signal")
				config.Shutdown.Shutdown()
			default:
				log.G(ctx).WithField("signal", sig).Debug("received unhandled signal")
			}
		}
	}
}
