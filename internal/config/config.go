package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Codec struct {
	MimeType    string `mapstructure:"mime_type"`
	ClockRate   int    `mapstructure:"clock_rate"`
	Channels    int    `mapstructure:"channels"`
	PayloadType uint8  `mapstructure:"payload_type"`
}

// Capability is the router codec this config describes.
func (c Codec) Capability() domain.RtpCodecCapability {
	kind, _, _ := strings.Cut(strings.ToLower(c.MimeType), "/")
	return domain.RtpCodecCapability{
		Kind:                 domain.MediaKind(kind),
		MimeType:             c.MimeType,
		PreferredPayloadType: c.PayloadType,
		ClockRate:            uint32(c.ClockRate),
		Channels:             uint16(c.Channels),
	}
}

type Media struct {
	ListenIP    string `mapstructure:"listen_ip"`
	AnnouncedIP string `mapstructure:"announced_ip"`
	RtcMinPort  uint16 `mapstructure:"rtc_min_port"`
	RtcMaxPort  uint16 `mapstructure:"rtc_max_port"`
	TCPPort     int    `mapstructure:"tcp_port"`
	EnableUDP   bool   `mapstructure:"enable_udp"`
	EnableTCP   bool   `mapstructure:"enable_tcp"`
	PreferUDP   bool   `mapstructure:"prefer_udp"`
	Codec       Codec  `mapstructure:"codec"`
}

type Session struct {
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	MuteFanout     int           `mapstructure:"mute_fanout"`
	ToggleLimit    int           `mapstructure:"toggle_limit"`
	ToggleInterval time.Duration `mapstructure:"toggle_interval"`
}

type Signal struct {
	SendBuffer int `mapstructure:"send_buffer"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Media   Media   `mapstructure:"media"`
	Session Session `mapstructure:"session"`
	Signal  Signal  `mapstructure:"signal"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")

	v.SetDefault("media.listen_ip", "0.0.0.0")
	v.SetDefault("media.announced_ip", "")
	v.SetDefault("media.rtc_min_port", 40000)
	v.SetDefault("media.rtc_max_port", 49999)
	v.SetDefault("media.tcp_port", 0)
	v.SetDefault("media.enable_udp", true)
	v.SetDefault("media.enable_tcp", false)
	v.SetDefault("media.prefer_udp", true)
	v.SetDefault("media.codec.mime_type", "audio/opus")
	v.SetDefault("media.codec.clock_rate", 48000)
	v.SetDefault("media.codec.channels", 2)
	v.SetDefault("media.codec.payload_type", 100)

	v.SetDefault("session.shutdown_grace", "2s")
	v.SetDefault("session.mute_fanout", 16)
	v.SetDefault("session.toggle_limit", 5)
	v.SetDefault("session.toggle_interval", "10s")

	v.SetDefault("signal.send_buffer", 64)
}

// Load reads config/config.<CONFIG_ENV>.yaml when present. SFU_* variables
// override file values, e.g. SFU_MEDIA_ANNOUNCED_IP. PORT is honoured too.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix("SFU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("port", "SFU_PORT", "PORT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Uint16("rtc_min_port", cfg.Media.RtcMinPort).
		Uint16("rtc_max_port", cfg.Media.RtcMaxPort).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("config: port %d out of range", c.Port)
	case c.Media.RtcMinPort == 0 || c.Media.RtcMaxPort < c.Media.RtcMinPort:
		return fmt.Errorf("config: rtc port range %d-%d", c.Media.RtcMinPort, c.Media.RtcMaxPort)
	case !c.Media.EnableUDP && !c.Media.EnableTCP:
		return errors.New("config: media needs udp or tcp")
	case c.Media.EnableTCP && (c.Media.TCPPort <= 0 || c.Media.TCPPort > 65535):
		return fmt.Errorf("config: media.enable_tcp needs media.tcp_port, got %d", c.Media.TCPPort)
	case c.Media.Codec.MimeType == "" || c.Media.Codec.ClockRate <= 0 || c.Media.Codec.Channels < 0:
		return errors.New("config: media codec incomplete")
	case !strings.HasPrefix(strings.ToLower(c.Media.Codec.MimeType), "audio/"):
		return fmt.Errorf("config: codec %s is not audio", c.Media.Codec.MimeType)
	case c.PingPeriod <= 0:
		return errors.New("config: ping_period must be positive")
	case c.Session.ShutdownGrace < 0:
		return errors.New("config: session.shutdown_grace must not be negative")
	}
	return nil
}
