package tls

// Config describes how the API server obtains its certificate. Either
// CertFile and KeyFile name an existing pair, or Dir holds tls.crt/tls.key
// and AutoGenerate creates a self-signed pair there on first use.
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	Dir          string `mapstructure:"dir"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
	MinVersion   string `mapstructure:"min_version"` // "1.2" or "1.3"; default 1.3
	MaxVersion   string `mapstructure:"max_version"`
	ValidDays    int    `mapstructure:"valid_days"` // self-signed lifetime; default 5 years
}

// CACertPath is where a generated self-signed certificate is also written
// so clients can trust it.
func (c Config) CACertPath() string {
	if c.Dir == "" {
		return ""
	}
	return joinDir(c.Dir, tlsCaCrt)
}
