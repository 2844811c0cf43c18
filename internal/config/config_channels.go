package config

// ChannelsConfig holds the per-adapter configuration the core reads at
// startup to decide which Channel implementations to construct and
// register with the channels.Manager.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Socket   SocketConfig   `json:"socket"`
}

// TelegramConfig configures the long-polling Telegram bot adapter.
type TelegramConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token"`
	Proxy     string              `json:"proxy,omitempty"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
}

// DiscordConfig configures the gateway-based Discord bot adapter.
type DiscordConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
}

// SocketConfig configures the generic newline-delimited-JSON WebSocket
// adapter, used by custom or local front ends that aren't a chat platform.
type SocketConfig struct {
	Enabled   bool                `json:"enabled"`
	ListenAddr string             `json:"listen_addr,omitempty"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
}
