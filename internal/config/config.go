package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/hubctl/internal/controller"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/session"
)

// Config is the resolved hubctl configuration.
type Config struct {
	HubAddr       string
	DiscoveryPort int

	ListenAddr  string
	AdvertiseIP net.IP
	DeviceID    protocol.DeviceID
	SettleDelay time.Duration
	// TargetDevice is the device byte sent with key commands.
	TargetDevice   uint8
	RepeatInterval time.Duration

	ResponsePort         int
	DiscoveryTimeout     time.Duration
	DiscoveryMaxAttempts int

	Session session.Config

	Keys        map[string]uint8
	MetricsAddr string
}

type fileConfig struct {
	Hub        hubSection        `toml:"hub"`
	Controller controllerSection `toml:"controller"`
	Discovery  discoverySection  `toml:"discovery"`
	Session    sessionSection    `toml:"session"`
	Keys       map[string]int64  `toml:"keys"`
	Metrics    metricsSection    `toml:"metrics"`
}

type hubSection struct {
	Addr          string `toml:"addr"`
	DiscoveryPort int    `toml:"discovery_port"`
}

type controllerSection struct {
	Listen         string `toml:"listen"`
	AdvertiseIP    string `toml:"advertise_ip"`
	DeviceID       string `toml:"device_id"`
	SettleDelay    string `toml:"settle_delay"`
	TargetDevice   int64  `toml:"target_device"`
	RepeatInterval string `toml:"repeat_interval"`
}

type discoverySection struct {
	ResponsePort int    `toml:"response_port"`
	Timeout      string `toml:"timeout"`
	MaxAttempts  int    `toml:"max_attempts"`
}

type sessionSection struct {
	AcceptTimeout     string  `toml:"accept_timeout"`
	AuthTimeout       string  `toml:"auth_timeout"`
	WriteTimeout      string  `toml:"write_timeout"`
	IdleTimeout       string  `toml:"idle_timeout"`
	MaxResyncs        int     `toml:"max_resyncs"`
	ResyncWindow      string  `toml:"resync_window"`
	BackoffInitial    string  `toml:"backoff_initial"`
	BackoffMax        string  `toml:"backoff_max"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffJitter     bool    `toml:"backoff_jitter"`
}

type metricsSection struct {
	Addr string `toml:"addr"`
}

func DefaultConfig() Config {
	ctl := controller.DefaultConfig()
	return Config{
		DiscoveryPort:        protocol.DefaultDiscoveryPort,
		ListenAddr:           ctl.ListenAddr,
		DeviceID:             ctl.DeviceID,
		SettleDelay:          ctl.SettleDelay,
		TargetDevice:         0x02,
		RepeatInterval:       500 * time.Millisecond,
		ResponsePort:         ctl.Discovery.ResponsePort,
		DiscoveryTimeout:     ctl.Discovery.Timeout,
		DiscoveryMaxAttempts: 3,
		Session:              session.DefaultConfig(),
		Keys: map[string]uint8{
			"volume_up":   0xB6,
			"volume_down": 0xB9,
		},
	}
}

// Load reads path over DefaultConfig. Keys absent from the file keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load hubctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("hubctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("hub", "addr") {
		cfg.HubAddr = strings.TrimSpace(raw.Hub.Addr)
	}
	if meta.IsDefined("hub", "discovery_port") {
		cfg.DiscoveryPort = raw.Hub.DiscoveryPort
	}

	if meta.IsDefined("controller", "listen") {
		cfg.ListenAddr = strings.TrimSpace(raw.Controller.Listen)
	}
	if meta.IsDefined("controller", "advertise_ip") {
		v := strings.TrimSpace(raw.Controller.AdvertiseIP)
		if v != "" {
			ip := net.ParseIP(v).To4()
			if ip == nil {
				return Config{}, fmt.Errorf("parse controller.advertise_ip: %w: %q", protocol.ErrInvalidIPv4, v)
			}
			cfg.AdvertiseIP = ip
		}
	}
	if meta.IsDefined("controller", "device_id") {
		id, err := protocol.ParseDeviceID(raw.Controller.DeviceID)
		if err != nil {
			return Config{}, fmt.Errorf("parse controller.device_id: %w", err)
		}
		cfg.DeviceID = id
	}
	if err := durationField(meta, raw.Controller.SettleDelay, &cfg.SettleDelay, "controller", "settle_delay"); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("controller", "target_device") {
		b, err := byteValue(raw.Controller.TargetDevice)
		if err != nil {
			return Config{}, fmt.Errorf("parse controller.target_device: %w", err)
		}
		cfg.TargetDevice = b
	}
	if err := durationField(meta, raw.Controller.RepeatInterval, &cfg.RepeatInterval, "controller", "repeat_interval"); err != nil {
		return Config{}, err
	}

	if meta.IsDefined("discovery", "response_port") {
		cfg.ResponsePort = raw.Discovery.ResponsePort
	}
	if err := durationField(meta, raw.Discovery.Timeout, &cfg.DiscoveryTimeout, "discovery", "timeout"); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("discovery", "max_attempts") {
		cfg.DiscoveryMaxAttempts = raw.Discovery.MaxAttempts
	}

	s := raw.Session
	for _, f := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{s.AcceptTimeout, &cfg.Session.AcceptTimeout, "accept_timeout"},
		{s.AuthTimeout, &cfg.Session.AuthTimeout, "auth_timeout"},
		{s.WriteTimeout, &cfg.Session.WriteTimeout, "write_timeout"},
		{s.IdleTimeout, &cfg.Session.IdleTimeout, "idle_timeout"},
		{s.ResyncWindow, &cfg.Session.ResyncWindow, "resync_window"},
		{s.BackoffInitial, &cfg.Session.Backoff.InitialDelay, "backoff_initial"},
		{s.BackoffMax, &cfg.Session.Backoff.MaxDelay, "backoff_max"},
	} {
		if err := durationField(meta, f.raw, f.dst, "session", f.key); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("session", "max_resyncs") {
		cfg.Session.MaxResyncs = s.MaxResyncs
	}
	if meta.IsDefined("session", "backoff_multiplier") {
		cfg.Session.Backoff.Multiplier = s.BackoffMultiplier
	}
	if meta.IsDefined("session", "backoff_jitter") {
		cfg.Session.Backoff.Jitter = s.BackoffJitter
	}

	for name, code := range raw.Keys {
		b, err := byteValue(code)
		if err != nil {
			return Config{}, fmt.Errorf("parse keys.%s: %w", name, err)
		}
		cfg.Keys[normalizeKeyName(name)] = b
	}

	if meta.IsDefined("metrics", "addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.Metrics.Addr)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("hubctl config missing controller.listen")
	}
	for name, port := range map[string]int{
		"hub.discovery_port":      cfg.DiscoveryPort,
		"discovery.response_port": cfg.ResponsePort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if cfg.DiscoveryMaxAttempts < 1 {
		return fmt.Errorf("discovery.max_attempts must be at least 1")
	}
	if cfg.SettleDelay < 0 || cfg.RepeatInterval < 0 || cfg.DiscoveryTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if cfg.Session.MaxResyncs < 0 {
		return fmt.Errorf("session.max_resyncs must not be negative")
	}
	return nil
}

// Key resolves a catalog name or a numeric key code such as 0xB6.
func (c Config) Key(raw string) (uint8, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, fmt.Errorf("empty key")
	}
	if code, ok := c.Keys[normalizeKeyName(v)]; ok {
		return code, nil
	}
	n, err := strconv.ParseUint(v, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown key %q", raw)
	}
	return uint8(n), nil
}

// KeyNames lists the catalog in no particular order.
func (c Config) KeyNames() []string {
	out := make([]string, 0, len(c.Keys))
	for name := range c.Keys {
		out = append(out, name)
	}
	return out
}

func durationField(meta toml.MetaData, raw string, dst *time.Duration, keys ...string) error {
	if !meta.IsDefined(keys...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", strings.Join(keys, "."), err)
	}
	*dst = d
	return nil
}

func byteValue(v int64) (uint8, error) {
	if v < 0 || v > 0xFF {
		return 0, fmt.Errorf("value %d does not fit in one byte", v)
	}
	return uint8(v), nil
}

func normalizeKeyName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(name, "-", "_")
}
