package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/c35s/hvcore/devtree"
	"github.com/c35s/hvcore/loader"
	"github.com/c35s/hvcore/shell"
	"github.com/c35s/hvcore/vmm"
	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func loadConfig() (vmm.Config, error) {
	if configPath == "" {
		return vmm.Config{}, nil
	}

	f, err := os.Open(configPath)
	if err != nil {
		return vmm.Config{}, err
	}

	defer f.Close()
	return vmm.DecodeConfig(f)
}

func loadTree() (*devtree.Node, error) {
	if treePath == "" {
		return devtree.New(), nil
	}

	f, err := os.Open(treePath)
	if err != nil {
		return nil, err
	}

	defer f.Close()
	return devtree.LoadTOML(f)
}

func loadImages() (*loader.Bundle, error) {
	if imagesPath == "" {
		return loader.New(), nil
	}

	limit, err := units.RAMInBytes(maxImageSize)
	if err != nil {
		return nil, fmt.Errorf("hvcore: --max-image-size: %w", err)
	}

	return loader.Open(imagesPath, limit)
}

func runHost(cmd *cobra.Command, _ []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Tree, err = loadTree(); err != nil {
		return err
	}

	images, err := loadImages()
	if err != nil {
		return err
	}

	cfg.Images = images
	cfg.Logger = log

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		cfg.Metrics = reg

		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "addr", metricsAddr, "err", err)
			}
		}()

		defer srv.Close()
	}

	m, err := vmm.New(cfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("host teardown", "err", err)
		}
	}()

	if err := m.StartKernel(); err != nil {
		// guests that came up keep running
		log.Error("start kernel", "err", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer stop()

	// the terminal session ends the host when it ends
	go func() {
		defer stop()

		var err error
		if consoleName != "" {
			err = attachConsole(ctx, m, consoleName, os.Stdin, os.Stdout)
		} else {
			err = serveShell(ctx, shell.New(m, hostname()), os.Stdin, os.Stdout)
		}

		if err != nil {
			log.Error("terminal session", "err", err)
		}
	}()

	return m.Run(ctx)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		slog.Debug("no hostname", "err", err)
		return ""
	}

	return name
}
