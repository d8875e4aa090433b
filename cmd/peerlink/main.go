package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mikeyg42/peerlink/internal/config"
	"github.com/mikeyg42/peerlink/internal/logging"
)

func main() {
	var (
		configPath string
		sessionID  string
		signalURL  string
		recordDir  string
		offer      bool
	)
	pflag.StringVarP(&configPath, "config", "c", "", "YAML config file (defaults are used when empty)")
	pflag.StringVarP(&sessionID, "session", "s", "", "session id to join; a random one is generated when empty")
	pflag.StringVar(&signalURL, "signal-url", "", "override signaling.url")
	pflag.StringVar(&recordDir, "record", "", "write the partner's stream as WebM into this directory")
	pflag.BoolVar(&offer, "offer", false, "send the first offer instead of waiting for one")
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peerlink: %v\n", err)
		os.Exit(1)
	}
	if signalURL != "" {
		cfg.Signaling.URL = signalURL
	}
	if recordDir != "" {
		cfg.Recording.Dir = recordDir
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "peerlink: %v\n", err)
			os.Exit(1)
		}
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peerlink: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if sessionID == "" {
		sessionID = uuid.NewString()
		logger.Info("Generated session id; share it with your partner", zap.String("session", sessionID))
	}

	app, err := NewApplication(cfg, logger, sessionID)
	if err != nil {
		logger.Fatal("Failed to create application", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, offer); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("peerlink stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("peerlink stopped")
}
