package main

import (
	"crypto/tls"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config holds the bridge's configuration.
type Config struct {
	Jetstream JetstreamConfig `yaml:"jetstream"`
	Psky      PskyConfig      `yaml:"psky"`
	IRC       IRCConfig       `yaml:"irc"`
}

// JetstreamConfig says which firehose to consume.
type JetstreamConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PskyConfig holds psky-network settings.
type PskyConfig struct {
	// Channel every registering client is joined to.
	General ChannelName `yaml:"general"`
}

// IRCConfig holds the listener settings.
type IRCConfig struct {
	Host string    `yaml:"host"`
	Port int       `yaml:"port"`
	MOTD string    `yaml:"motd"`
	TLS  TLSConfig `yaml:"tls"`
}

// TLSConfig holds the listener's TLS settings.
type TLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Certs   string `yaml:"certs"`
	Key     string `yaml:"key"`
}

// loadConfig reads the YAML config file and applies environment overrides.
func loadConfig(file string) (*Config, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config")
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config")
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.check(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides config values from IRCSKY_-prefixed environment
// variables. Nesting uses a double underscore, e.g. IRCSKY_IRC__PORT.
func (c *Config) applyEnv() error {
	strings := map[string]*string{
		"IRCSKY_JETSTREAM__HOST": &c.Jetstream.Host,
		"IRCSKY_IRC__HOST":       &c.IRC.Host,
		"IRCSKY_IRC__MOTD":       &c.IRC.MOTD,
		"IRCSKY_IRC__TLS__CERTS": &c.IRC.TLS.Certs,
		"IRCSKY_IRC__TLS__KEY":   &c.IRC.TLS.Key,
	}
	for key, dst := range strings {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("IRCSKY_PSKY__GENERAL"); ok {
		c.Psky.General = ChannelName(v)
	}

	ints := map[string]*int{
		"IRCSKY_JETSTREAM__PORT": &c.Jetstream.Port,
		"IRCSKY_IRC__PORT":       &c.IRC.Port,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%s is not a number", key)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv("IRCSKY_IRC__TLS__ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "IRCSKY_IRC__TLS__ENABLED is not a bool")
		}
		c.IRC.TLS.Enabled = b
	}

	return nil
}

// check validates required settings and fills defaults.
func (c *Config) check() error {
	if c.Jetstream.Host == "" {
		return errors.New("missing required key: jetstream.host")
	}
	if c.Jetstream.Port == 0 {
		return errors.New("missing required key: jetstream.port")
	}
	if c.IRC.Host == "" {
		return errors.New("missing required key: irc.host")
	}
	if c.IRC.Port == 0 {
		return errors.New("missing required key: irc.port")
	}
	if c.Psky.General == "" {
		c.Psky.General = "#general@psky.social"
	}
	return nil
}

// MOTD returns the message of the day. The configured value is treated as a
// file path if readable, the literal string otherwise. ok is false when no
// MOTD is configured.
func (c *Config) MOTD() (motd string, ok bool) {
	if c.IRC.MOTD == "" {
		return "", false
	}

	if buf, err := os.ReadFile(c.IRC.MOTD); err == nil {
		return string(buf), true
	}
	return c.IRC.MOTD, true
}

// ServerTLS builds the listener's TLS configuration. Nil when TLS is
// disabled; an error when it is enabled but the key material will not load.
func (c *TLSConfig) ServerTLS() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}

	if c.Certs == "" || c.Key == "" {
		return nil, errors.New("TLS enabled but certs or key not given")
	}

	cert, err := tls.LoadX509KeyPair(c.Certs, c.Key)
	if err != nil {
		return nil, errors.Wrap(err, "error loading TLS key pair")
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
