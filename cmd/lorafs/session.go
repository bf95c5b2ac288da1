package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli"

	"github.com/chaz8081/lorafs/internal/ble"
	"github.com/chaz8081/lorafs/internal/config"
	"github.com/chaz8081/lorafs/internal/gateway"
	"github.com/chaz8081/lorafs/internal/mqtt"
	"github.com/chaz8081/lorafs/internal/sink"
	"github.com/chaz8081/lorafs/internal/store"
	"github.com/chaz8081/lorafs/internal/transfer"
)

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultConfigPath()
		if _, err := os.Stat(path); err != nil {
			return config.Default(), nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// setup loads and validates the config and builds the logger.
func setup(c *cli.Context) (*config.Config, *slog.Logger) {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		PrintFatal(os.Stderr, "config: %v", err)
	}
	if addr := c.GlobalString("address"); addr != "" {
		cfg.Device.Address = addr
	}
	if err := cfg.Validate(); err != nil {
		PrintFatal(os.Stderr, "config validation: %v", err)
	}
	return cfg, newLogger(cfg)
}

func linkOptions(cfg *config.Config) ble.LinkOptions {
	return ble.LinkOptions{
		IDs: ble.ServiceIDs{
			Service:  cfg.Device.ServiceUUID,
			Command:  cfg.Device.CommandUUID,
			Data:     cfg.Device.DataUUID,
			Progress: cfg.Device.ProgressUUID,
		},
		MTU:               cfg.Link.MTU,
		ConnectTimeout:    cfg.Link.ConnectTimeout,
		ReconnectAttempts: cfg.Link.ReconnectAttempts,
		ReconnectDelay:    cfg.Link.ReconnectDelay,
		WriteDelay:        cfg.Link.WriteDelay,
	}
}

func gatewayOptions(cfg *config.Config) gateway.Options {
	opts := gateway.DefaultOptions()
	opts.Timing = transfer.Timing{
		HandshakeDelay:  cfg.Transfer.HandshakeDelay,
		ChunkDelay:      cfg.Transfer.ChunkDelay,
		CompleteTimeout: cfg.Transfer.CompleteTimeout,
	}
	opts.MaxUploadSize = cfg.Transfer.MaxUploadSize
	opts.StrictChunkOrder = cfg.Transfer.StrictChunkOrder
	return opts
}

// session is one connected gateway plus the history recorder and the
// optional MQTT bridge.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	client *gateway.Client
	store  *store.BoltStore
	bridge *mqtt.Bridge
	detach func()
}

// connect opens the gateway at the configured address and waits for the
// link. A nil artifacts sink saves downloads to the download directory.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger, artifacts transfer.Sink) (*session, error) {
	address, err := ble.ValidateAddress(cfg.Device.Address)
	if err != nil {
		if cfg.Device.Address == "" {
			return nil, fmt.Errorf("no device address: run %s and set device.address or pass --address", Cyan("lorafs scan"))
		}
		return nil, err
	}

	if artifacts == nil {
		dir, err := sink.NewDirSink(cfg.Transfer.DownloadDir, logger)
		if err != nil {
			return nil, err
		}
		artifacts = dir
	}

	s := &session{cfg: cfg, logger: logger, detach: func() {}}
	opts := gatewayOptions(cfg)

	if db, err := store.NewBoltStore(cfg.Store.Path); err != nil {
		logger.Warn("[CLI] history disabled", "path", cfg.Store.Path, "error", err)
	} else {
		s.store = db
		if cached, err := db.GetRadioConfig(); err == nil {
			opts.RadioConfig = cached
		}
	}

	link := ble.NewLink(ble.NewTinyGoAdapter(), linkOptions(cfg), logger)
	s.client = gateway.New(link, artifacts, opts, logger)

	if s.store != nil {
		s.detach = store.NewRecorder(s.store, address, logger).Attach(s.client.Events())
	}
	if cfg.MQTT.Enabled {
		bridge, err := mqtt.NewBridge(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Warn("[CLI] mqtt bridge disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			s.bridge = bridge
			bridge.Start(s.client.Events())
		}
	}

	s.client.Events().On(gateway.EventWarning, func(ev gateway.Event) {
		if m, ok := ev.Data.(gateway.MessageData); ok {
			PrintErr(os.Stderr, "%s %s", Yellow("warning:"), m.Message)
		}
	})

	PrintErr(os.Stderr, "Connecting to %s...", Cyan(address))
	if err := s.client.Connect(address); err != nil {
		s.close()
		return nil, err
	}
	if err := s.client.WaitReady(ctx); err != nil {
		s.close()
		return nil, explain(err)
	}
	return s, nil
}

func (s *session) close() {
	if err := s.client.Close(); err != nil {
		s.logger.Debug("[CLI] close", "error", err)
	}
	s.detach()
	if s.bridge != nil {
		s.bridge.Stop()
	}
	if s.store != nil {
		s.store.Close()
	}
}

// explain adds a hint to errors a user can act on.
func explain(err error) error {
	switch {
	case errors.Is(err, ble.ErrBluetoothUnavailable):
		return fmt.Errorf("%w (is Bluetooth turned on?)", err)
	case errors.Is(err, ble.ErrPermissionDenied):
		return fmt.Errorf("%w (grant Bluetooth access to your terminal in System Settings > Privacy & Security)", err)
	case errors.Is(err, ble.ErrConnectionLost):
		return fmt.Errorf("%w (is the gateway powered and in range?)", err)
	case errors.Is(err, ble.ErrServiceMismatch):
		return fmt.Errorf("%w (is this a LoRa file gateway?)", err)
	}
	return err
}
