package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the application level configuration, normally loaded from a
// yaml file. Each engine component copies the fields it cares about into
// its own config struct at construction time.
type Config struct {
	PreferredMSS       int  `yaml:"preferredMSS"`       // segment size in bytes
	SendBufferSize     int  `yaml:"sendBufferSize"`     // send buffer capacity in bytes
	RecvBufferSize     int  `yaml:"recvBufferSize"`     // receive buffer capacity in bytes
	InitialCwnd        int  `yaml:"initialCwnd"`        // initial congestion window in segments
	InitialSsthresh    int  `yaml:"initialSsthresh"`    // initial slow start threshold in bytes
	MinRTOMs           int  `yaml:"minRTOMs"`           // lower bound of the retransmission timeout
	ClockGranularityMs int  `yaml:"clockGranularityMs"` // RTO quantum
	DelayedAckCount    int  `yaml:"delayedAckCount"`    // max segments held before forcing an ack
	DelayedAckMs       int  `yaml:"delayedAckMs"`       // delayed ack timeout
	PersistMs          int  `yaml:"persistMs"`          // initial zero window probe interval
	MslMs              int  `yaml:"mslMs"`              // maximum segment lifetime (TIME_WAIT is 2x this)
	ConnectRetries     int  `yaml:"connectRetries"`     // SYN / SYN-ACK retry ceiling
	DataRetries        int  `yaml:"dataRetries"`        // retransmission and last-ack retry ceiling
	NagleEnabled       bool `yaml:"nagleEnabled"`
	WindowScaleEnabled bool `yaml:"windowScaleEnabled"`
	TimestampEnabled   bool `yaml:"timestampEnabled"`
	MultipathEnabled   bool `yaml:"multipathEnabled"`
	PayloadPoolSize    int  `yaml:"payloadPoolSize"` // number of payload chunks in the ring pool
	Debug              bool `yaml:"debug"`
}

// AppConfig holds the parsed configuration of the running program.
var AppConfig *Config

func DefaultConfig() *Config {
	return &Config{
		PreferredMSS:       1400,
		SendBufferSize:     64 * 1024,
		RecvBufferSize:     64 * 1024,
		InitialCwnd:        2,
		InitialSsthresh:    48 * 1024,
		MinRTOMs:           200,
		ClockGranularityMs: 10,
		DelayedAckCount:    2,
		DelayedAckMs:       40,
		PersistMs:          500,
		MslMs:              5000,
		ConnectRetries:     5,
		DataRetries:        8,
		NagleEnabled:       true,
		WindowScaleEnabled: true,
		TimestampEnabled:   true,
		MultipathEnabled:   false,
		PayloadPoolSize:    2000,
		Debug:              false,
	}
}

// ReadConfig loads a yaml config file. Missing keys keep their defaults.
func ReadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects setup time values that would put a connection into an
// unusable state. A connection is never constructed from an invalid config.
func (c *Config) Validate() error {
	switch {
	case c.PreferredMSS <= 0:
		return errors.New("config: preferredMSS must be positive")
	case c.SendBufferSize < c.PreferredMSS:
		return errors.New("config: sendBufferSize must hold at least one segment")
	case c.RecvBufferSize < c.PreferredMSS:
		return errors.New("config: recvBufferSize must hold at least one segment")
	case c.InitialCwnd < 1:
		return errors.New("config: initialCwnd must be at least one segment")
	case c.InitialSsthresh <= 0:
		return errors.New("config: initialSsthresh must be positive")
	case c.MinRTOMs <= 0 || c.ClockGranularityMs <= 0:
		return errors.New("config: minRTOMs and clockGranularityMs must be positive")
	case c.DelayedAckCount < 1:
		return errors.New("config: delayedAckCount must be at least 1")
	case c.ConnectRetries < 1 || c.DataRetries < 1:
		return errors.New("config: retry ceilings must be at least 1")
	case c.MslMs <= 0:
		return errors.New("config: mslMs must be positive")
	}
	return nil
}

func (c *Config) MinRTO() time.Duration { return time.Duration(c.MinRTOMs) * time.Millisecond }

func (c *Config) ClockGranularity() time.Duration {
	return time.Duration(c.ClockGranularityMs) * time.Millisecond
}

func (c *Config) DelayedAckTimeout() time.Duration {
	return time.Duration(c.DelayedAckMs) * time.Millisecond
}

func (c *Config) PersistTimeout() time.Duration {
	return time.Duration(c.PersistMs) * time.Millisecond
}

func (c *Config) Msl() time.Duration { return time.Duration(c.MslMs) * time.Millisecond }
