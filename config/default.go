package config

// New returns a Config populated with the shipped defaults.
func New() *Config {
	return &Config{
		Port:      8081,
		AdminPort: 8082,
		LogLevel:  2,
		DNS: DNS{
			CacheSize: 4096,
			TimeoutMs: 3000,
		},
		Pools: Pools{
			Ingress: 100,
			Splice:  50,
			DNS:     20,
		},
		Limits: Limits{
			MaxHeader:   10 * 1024,
			BufferSize:  128 * 1024,
			MaxOverflow: 1024 * 1024,
			CloseGraceS: 5,
		},
	}
}
