// Package config provides the configuration structures for relayd.
package config

// Config is the main application configuration.
type Config struct {
	Port       uint32 `json:"port" yaml:"port" mapstructure:"port"`
	AdminPort  uint32 `json:"adminPort" yaml:"adminPort" mapstructure:"adminPort"`
	LogLevel   int    `json:"logLevel" yaml:"logLevel" mapstructure:"logLevel"`
	Debug      bool   `json:"debug" yaml:"debug" mapstructure:"debug"`
	ConfigPath string `json:"configPath" yaml:"configPath" mapstructure:"configPath"`

	DNS     DNS     `json:"dns" yaml:"dns" mapstructure:"dns"`
	Pools   Pools   `json:"pools" yaml:"pools" mapstructure:"pools"`
	Limits  Limits  `json:"limits" yaml:"limits" mapstructure:"limits"`
	Version string  `json:"-" yaml:"-" mapstructure:"-"`
}

// DNS configures name resolution.
type DNS struct {
	// Servers lists explicit upstream DNS servers (host:port). Empty means
	// the system resolver is used.
	Servers []string `json:"servers" yaml:"servers" mapstructure:"servers"`
	// CacheSize bounds the positive-answer LRU cache.
	CacheSize int `json:"cacheSize" yaml:"cacheSize" mapstructure:"cacheSize"`
	// TimeoutMs bounds a single upstream query.
	TimeoutMs int `json:"timeoutMs" yaml:"timeoutMs" mapstructure:"timeoutMs"`
}

// Pools sizes the per-stage worker pools.
type Pools struct {
	Ingress int `json:"ingress" yaml:"ingress" mapstructure:"ingress"`
	Splice  int `json:"splice" yaml:"splice" mapstructure:"splice"`
	DNS     int `json:"dns" yaml:"dns" mapstructure:"dns"`
}

// Limits carries the data-plane sizing knobs. The defaults match the
// documented wire behavior. No command-line flag sets them; a relayd.yaml
// config file can.
type Limits struct {
	MaxHeader   int `json:"maxHeader" yaml:"maxHeader" mapstructure:"maxHeader"`
	BufferSize  int `json:"bufferSize" yaml:"bufferSize" mapstructure:"bufferSize"`
	MaxOverflow int `json:"maxOverflow" yaml:"maxOverflow" mapstructure:"maxOverflow"`
	CloseGraceS int `json:"closeGraceS" yaml:"closeGraceS" mapstructure:"closeGraceS"`
}
