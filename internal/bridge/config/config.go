// Package config loads the bridge configuration from defaults, an optional
// YAML file, command line flags and environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the bridge configuration
type Config struct {
	AGI      AGIConfig      `yaml:"agi"`
	Tropo    TropoConfig    `yaml:"tropo"`
	Asterisk AsteriskConfig `yaml:"asterisk"`
	Bridge   BridgeConfig   `yaml:"bridge"`

	// Path of the YAML file the configuration was read from, if any
	Path string `yaml:"-"`
}

// AGIConfig names the AGI server every call is handed to.
type AGIConfig struct {
	URI string `yaml:"uri"`
}

// TropoConfig holds call-level defaults.
type TropoConfig struct {
	Voice      string `yaml:"voice"`
	Recognizer string `yaml:"recognizer"`
	// NextSIPURI receives calls when the AGI server cannot be reached
	NextSIPURI string `yaml:"next_sip_uri"`
}

type AsteriskConfig struct {
	Sounds SoundsConfig `yaml:"sounds"`
}

// SoundsConfig locates the Asterisk sound manifest.
type SoundsConfig struct {
	Enabled bool `yaml:"enabled"`
	// AvailableFiles is an http(s) URL or a local path to a JSON array of
	// sound names
	AvailableFiles string `yaml:"available_files"`
	BaseURI        string `yaml:"base_uri"`
	Language       string `yaml:"language"`
}

// BridgeConfig holds process settings.
type BridgeConfig struct {
	// SIP settings
	SIPPort       int    `yaml:"sip_port"`
	BindAddr      string `yaml:"bind"`
	AdvertiseAddr string `yaml:"advertise"`

	RTPPortMin int `yaml:"rtp_port_min"`
	RTPPortMax int `yaml:"rtp_port_max"`

	// TTSURL is a template with {voice} and {text} placeholders returning WAV
	TTSURL        string `yaml:"tts_url"`
	RecordingsDir string `yaml:"recordings_dir"`
	DTMFToneURI   string `yaml:"dtmf_tone_uri"`

	MaxSessions  int           `yaml:"max_sessions"`
	Settle       time.Duration `yaml:"settle"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`

	NATSURL    string `yaml:"nats_url"`
	StorePath  string `yaml:"store_path"`
	HealthAddr string `yaml:"health_addr"`
	LogLevel   string `yaml:"log_level"`
	NodeID     string `yaml:"node_id"`
}

// EnvConfigPath names the environment variable holding the YAML file path.
const EnvConfigPath = "AGIBRIDGE_CONFIG"

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		AGI: AGIConfig{URI: "agi://127.0.0.1:4573/"},
		Tropo: TropoConfig{
			Voice:      "allison",
			Recognizer: "en-us",
		},
		Asterisk: AsteriskConfig{Sounds: SoundsConfig{Language: "en"}},
		Bridge: BridgeConfig{
			SIPPort:      5060,
			BindAddr:     "0.0.0.0",
			RTPPortMin:   10000,
			RTPPortMax:   20000,
			MaxSessions:  500,
			Settle:       2 * time.Second,
			DrainTimeout: 30 * time.Second,
			DialTimeout:  5 * time.Second,
			HealthAddr:   ":9090",
			LogLevel:     "info",
		},
	}
}

// Load reads the configuration for the running process.
func Load() (*Config, error) {
	return Parse(os.Args[1:], os.LookupEnv)
}

// Parse builds a configuration from args and an environment lookup.
func Parse(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	fs := flag.NewFlagSet("agibridge", flag.ContinueOnError)

	var (
		path        = fs.String("config", "", "Path to YAML configuration file")
		agiURI      = fs.String("agi", "", "AGI server URI (agi://host[:port]/script)")
		voice       = fs.String("voice", "", "Default TTS voice")
		recognizer  = fs.String("recognizer", "", "Default speech recognizer")
		nextSIP     = fs.String("next-sip-uri", "", "SIP URI that receives calls when the AGI server is unreachable")
		port        = fs.Int("port", 0, "SIP listening port")
		bind        = fs.String("bind", "", "SIP bind address")
		advertise   = fs.String("advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
		rtpMin      = fs.Int("rtp-min", 0, "Lowest RTP port")
		rtpMax      = fs.Int("rtp-max", 0, "Highest RTP port")
		ttsURL      = fs.String("tts-url", "", "TTS URL template with {voice} and {text}")
		recordings  = fs.String("recordings", "", "Directory for recordings")
		maxSessions = fs.Int("max-sessions", 0, "Maximum concurrent AGI sessions")
		settle      = fs.Duration("settle", 0, "Pause after auto-answering a ringing call")
		natsURL     = fs.String("nats", "", "NATS URL for session events (disabled if empty)")
		storePath   = fs.String("store", "", "SQLite path for session records (in-memory if empty)")
		health      = fs.String("health", "", "gRPC health listen address")
		logLevel    = fs.String("loglevel", "", "Log level (debug, info, warn, error)")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()

	if *path == "" {
		if p, ok := lookupEnv(EnvConfigPath); ok {
			*path = p
		}
	}
	if *path != "" {
		if err := cfg.readFile(*path); err != nil {
			return nil, err
		}
	}

	// Flags override file values, but only when given explicitly
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "agi":
			cfg.AGI.URI = *agiURI
		case "voice":
			cfg.Tropo.Voice = *voice
		case "recognizer":
			cfg.Tropo.Recognizer = *recognizer
		case "next-sip-uri":
			cfg.Tropo.NextSIPURI = *nextSIP
		case "port":
			cfg.Bridge.SIPPort = *port
		case "bind":
			cfg.Bridge.BindAddr = *bind
		case "advertise":
			cfg.Bridge.AdvertiseAddr = *advertise
		case "rtp-min":
			cfg.Bridge.RTPPortMin = *rtpMin
		case "rtp-max":
			cfg.Bridge.RTPPortMax = *rtpMax
		case "tts-url":
			cfg.Bridge.TTSURL = *ttsURL
		case "recordings":
			cfg.Bridge.RecordingsDir = *recordings
		case "max-sessions":
			cfg.Bridge.MaxSessions = *maxSessions
		case "settle":
			cfg.Bridge.Settle = *settle
		case "nats":
			cfg.Bridge.NATSURL = *natsURL
		case "store":
			cfg.Bridge.StorePath = *storePath
		case "health":
			cfg.Bridge.HealthAddr = *health
		case "loglevel":
			cfg.Bridge.LogLevel = *logLevel
		}
	})

	if err := cfg.applyEnv(lookupEnv); err != nil {
		return nil, err
	}

	if cfg.Bridge.AdvertiseAddr == "" || !isValidAddress(cfg.Bridge.AdvertiseAddr) {
		cfg.Bridge.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if cfg.Bridge.NodeID == "" {
		cfg.Bridge.NodeID, _ = os.Hostname()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	c.Path = path
	return nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("AGI_URI", &c.AGI.URI)
	str("TROPO_VOICE", &c.Tropo.Voice)
	str("TROPO_RECOGNIZER", &c.Tropo.Recognizer)
	str("NEXT_SIP_URI", &c.Tropo.NextSIPURI)
	str("SOUNDS_AVAILABLE_FILES", &c.Asterisk.Sounds.AvailableFiles)
	str("SOUNDS_BASE_URI", &c.Asterisk.Sounds.BaseURI)
	str("SOUNDS_LANGUAGE", &c.Asterisk.Sounds.Language)
	str("BIND", &c.Bridge.BindAddr)
	str("ADVERTISE", &c.Bridge.AdvertiseAddr)
	str("TTS_URL", &c.Bridge.TTSURL)
	str("RECORDINGS_DIR", &c.Bridge.RecordingsDir)
	str("DTMF_TONE_URI", &c.Bridge.DTMFToneURI)
	str("NATS_URL", &c.Bridge.NATSURL)
	str("STORE_PATH", &c.Bridge.StorePath)
	str("HEALTH_ADDR", &c.Bridge.HealthAddr)
	str("LOGLEVEL", &c.Bridge.LogLevel)
	str("NODE_ID", &c.Bridge.NodeID)

	if v, ok := lookupEnv("SOUNDS_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SOUNDS_ENABLED: %w", err)
		}
		c.Asterisk.Sounds.Enabled = b
	}
	if v, ok := lookupEnv("SETTLE"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SETTLE: %w", err)
		}
		c.Bridge.Settle = d
	}

	return errors.Join(
		num("PORT", &c.Bridge.SIPPort),
		num("RTP_PORT_MIN", &c.Bridge.RTPPortMin),
		num("RTP_PORT_MAX", &c.Bridge.RTPPortMax),
		num("MAX_SESSIONS", &c.Bridge.MaxSessions),
	)
}

// Validate checks the values that would otherwise fail later at call time.
func (c *Config) Validate() error {
	var errs []error
	if c.AGI.URI == "" {
		errs = append(errs, errors.New("agi.uri is required"))
	} else if u, err := url.Parse(c.AGI.URI); err != nil || u.Scheme != "agi" || u.Host == "" {
		errs = append(errs, fmt.Errorf("agi.uri %q: want agi://host[:port]/script", c.AGI.URI))
	}
	if c.Bridge.SIPPort <= 0 || c.Bridge.SIPPort > 65535 {
		errs = append(errs, fmt.Errorf("bridge.sip_port %d out of range", c.Bridge.SIPPort))
	}
	if c.Bridge.RTPPortMin <= 0 || c.Bridge.RTPPortMax > 65535 || c.Bridge.RTPPortMin >= c.Bridge.RTPPortMax {
		errs = append(errs, fmt.Errorf("bridge rtp port range %d-%d invalid", c.Bridge.RTPPortMin, c.Bridge.RTPPortMax))
	}
	if c.Bridge.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("bridge.max_sessions must be positive, got %d", c.Bridge.MaxSessions))
	}
	if s := c.Asterisk.Sounds; s.Enabled && (s.AvailableFiles == "" || s.BaseURI == "") {
		errs = append(errs, errors.New("asterisk.sounds requires available_files and base_uri when enabled"))
	}
	return errors.Join(errs...)
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP returns the first IPv4 address of an up, non-loopback
// interface.
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}

// SummaryLines returns label/value pairs for the startup banner.
func (c *Config) SummaryLines() [][2]string {
	sounds := "disabled"
	if c.Asterisk.Sounds.Enabled {
		sounds = c.Asterisk.Sounds.AvailableFiles
	}
	return [][2]string{
		{"AGI server", c.AGI.URI},
		{"SIP", fmt.Sprintf("%s:%d (advertise %s)", c.Bridge.BindAddr, c.Bridge.SIPPort, c.Bridge.AdvertiseAddr)},
		{"RTP ports", fmt.Sprintf("%d-%d", c.Bridge.RTPPortMin, c.Bridge.RTPPortMax)},
		{"Voice", c.Tropo.Voice},
		{"Recognizer", c.Tropo.Recognizer},
		{"Failover", c.Tropo.NextSIPURI},
		{"Sounds", sounds},
		{"NATS", c.Bridge.NATSURL},
		{"Store", c.Bridge.StorePath},
		{"Health", c.Bridge.HealthAddr},
		{"Config file", c.Path},
	}
}
