package a7600

// Config is the broker session setup, immutable for the lifetime of one
// connect attempt.
type Config struct {
	APN          string `hcl:"apn"`
	Broker       string `hcl:"broker"`
	Port         int    `hcl:"port"`
	Username     string `hcl:"username"`
	Password     string `hcl:"password"`
	ClientID     string `hcl:"client_id"`
	TLS          bool   `hcl:"tls"`
	KeepaliveSec int    `hcl:"keepalive_sec"`
	// optional CA bundle to store in the modem before connecting
	CACertFile string `hcl:"ca_cert_file"`
}

func (c *Config) Normalize() {
	if c.APN == "" {
		c.APN = "internet"
	}
	if c.Port == 0 {
		if c.TLS {
			c.Port = 8883
		} else {
			c.Port = 1883
		}
	}
	if c.ClientID == "" {
		c.ClientID = "mavcell"
	}
	if c.KeepaliveSec == 0 {
		c.KeepaliveSec = 60
	}
}
