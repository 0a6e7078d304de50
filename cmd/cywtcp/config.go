package main

import (
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/soypat/cywtcp"
	"github.com/soypat/seqs"
	"gopkg.in/yaml.v3"
)

// config is the YAML configuration of a replay.
type config struct {
	MAC          string        `yaml:"mac"`
	IP           string        `yaml:"ip"`
	MaxPorts     int           `yaml:"max_ports"`
	MaxSockets   int           `yaml:"max_sockets"`
	TxBuffer     int           `yaml:"tx_buffer"`
	Window       uint16        `yaml:"window"`
	MTU          int           `yaml:"mtu"`
	Buffers      int           `yaml:"buffers"`
	TimeoutTicks uint32        `yaml:"timeout_ticks"`
	Tick         time.Duration `yaml:"tick"`
	SkipChecksum bool          `yaml:"skip_checksum"`
	// ISS fixes the initial send sequence number so a recorded session can be replayed.
	ISS      *uint32   `yaml:"iss"`
	LogLevel string    `yaml:"log_level"`
	Services []service `yaml:"services"`
}

type service struct {
	Port uint16 `yaml:"port"`
	Kind string `yaml:"kind"`
}

func defaultConfig() config {
	def := cywtcp.DefaultStackConfig()
	return config{
		MaxPorts:     def.MaxPorts,
		MaxSockets:   def.MaxSockets,
		TxBuffer:     def.TxBufferSize,
		Window:       def.Window,
		MTU:          def.MTU,
		Buffers:      def.Buffers,
		TimeoutTicks: def.TimeoutTicks,
		Tick:         time.Second,
		LogLevel:     "info",
		Services:     []service{{Port: 7, Kind: "echo"}, {Port: 80, Kind: "http"}},
	}
}

// loadConfig reads the YAML file at path over the default configuration.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	if cfg.Tick <= 0 {
		return cfg, errors.Errorf("tick must be positive, got %s", cfg.Tick)
	}
	return cfg, nil
}

func (cfg *config) level() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(cfg.LogLevel))
	return lvl, errors.Wrap(err, "log_level")
}

func (cfg *config) stackConfig() (cywtcp.StackConfig, error) {
	scfg := cywtcp.DefaultStackConfig()
	if cfg.MAC != "" {
		hw, err := net.ParseMAC(cfg.MAC)
		if err != nil || len(hw) != 6 {
			return scfg, errors.Errorf("bad mac %q", cfg.MAC)
		}
		copy(scfg.MAC[:], hw)
	}
	if cfg.IP != "" {
		ip := net.ParseIP(cfg.IP).To4()
		if ip == nil {
			return scfg, errors.Errorf("bad IPv4 address %q", cfg.IP)
		}
		copy(scfg.IP[:], ip)
	}
	scfg.MaxPorts = cfg.MaxPorts
	scfg.MaxSockets = cfg.MaxSockets
	scfg.TxBufferSize = cfg.TxBuffer
	scfg.Window = cfg.Window
	scfg.MTU = cfg.MTU
	scfg.Buffers = cfg.Buffers
	scfg.TimeoutTicks = cfg.TimeoutTicks
	scfg.SkipChecksum = cfg.SkipChecksum
	if cfg.ISS != nil {
		iss := seqs.Value(*cfg.ISS)
		scfg.NewISS = func() seqs.Value { return iss }
	}
	return scfg, nil
}
