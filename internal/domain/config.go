package domain

const (
	DefaultPushService   = "wss://push.services.mozilla.com/"
	DefaultDashboardPath = "/dashboard"
	DefaultPollInterval  = 10
	DefaultScope         = "/"
	IdentityStorageKey   = "scanmycar_user"
)

// ChannelRecord is the persisted state of one push channel. It holds the
// receiver private key, so it never leaves the config file.
type ChannelRecord struct {
	ChannelID  string `yaml:"channel_id,omitempty"`
	Endpoint   string `yaml:"endpoint,omitempty"`
	P256DH     string `yaml:"p256dh,omitempty"`
	PrivateKey string `yaml:"private_key,omitempty"`
	Auth       string `yaml:"auth,omitempty"`
	ServerKey  string `yaml:"server_key,omitempty"`
}

func (r ChannelRecord) Complete() bool {
	return r.ChannelID != "" && r.Endpoint != "" && r.P256DH != "" && r.PrivateKey != "" && r.Auth != ""
}

type Config struct {
	Main struct {
		ListenPort  int    `yaml:"listen_port"`
		UAID        string `yaml:"uaid,omitempty"`
		PushService string `yaml:"push_service"`
		LogLevel    string `yaml:"log_level,omitempty"`
		LogFormat   string `yaml:"log_format,omitempty"`
	} `yaml:"main"`
	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
	Server struct {
		BaseURL             string `yaml:"base_url"`
		VAPIDPublicKey      string `yaml:"vapid_public_key"`
		PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
		TimeoutSeconds      int    `yaml:"timeout_seconds,omitempty"`
	} `yaml:"server"`
	Dashboard struct {
		Path    string `yaml:"path"`
		Clients string `yaml:"clients"` // "chat" or "browser"
		BaseURL string `yaml:"base_url,omitempty"`
	} `yaml:"dashboard"`
	Session struct {
		Store         string `yaml:"store"` // "file" or "redis"
		RedisAddr     string `yaml:"redis_addr,omitempty"`
		RedisPassword string `yaml:"redis_password,omitempty"`
		RedisDB       int    `yaml:"redis_db,omitempty"`
	} `yaml:"session"`
	Permission Permission               `yaml:"permission,omitempty"`
	Identity   *Identity                `yaml:"identity,omitempty"`
	Channels   map[string]ChannelRecord `yaml:"channels"`
}

// ApplyDefaults fills zero values. Callers hold the config lock.
func (c *Config) ApplyDefaults() {
	if c.Main.ListenPort == 0 {
		c.Main.ListenPort = 9090
	}
	if c.Main.PushService == "" {
		c.Main.PushService = DefaultPushService
	}
	if c.Server.PollIntervalSeconds <= 0 {
		c.Server.PollIntervalSeconds = DefaultPollInterval
	}
	if c.Dashboard.Path == "" {
		c.Dashboard.Path = DefaultDashboardPath
	}
	if c.Dashboard.Clients == "" {
		c.Dashboard.Clients = "chat"
	}
	if c.Session.Store == "" {
		c.Session.Store = "file"
	}
	if c.Channels == nil {
		c.Channels = make(map[string]ChannelRecord)
	}
}
