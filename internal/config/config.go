package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host                 string `mapstructure:"host" yaml:"host"`
	ControlPort          int    `mapstructure:"control_port" yaml:"control_port"`
	ScreenPort           int    `mapstructure:"screen_port" yaml:"screen_port"`
	FilePort             int    `mapstructure:"file_port" yaml:"file_port"`
	VideoPort            int    `mapstructure:"video_port" yaml:"video_port"`
	AudioPort            int    `mapstructure:"audio_port" yaml:"audio_port"`
	Password             string `mapstructure:"password" yaml:"password"`
	RoomName             string `mapstructure:"room_name" yaml:"room_name"`
	FilesDir             string `mapstructure:"files_dir" yaml:"files_dir"`
	Discovery            bool   `mapstructure:"discovery" yaml:"discovery"`
	LogLevel             string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat            string `mapstructure:"log_format" yaml:"log_format"`
	LogFile              string `mapstructure:"log_file" yaml:"log_file"`
	StatsIntervalSeconds int    `mapstructure:"stats_interval_seconds" yaml:"stats_interval_seconds"`
}

type ClientConfig struct {
	Server          string `mapstructure:"server" yaml:"server"`
	Name            string `mapstructure:"name" yaml:"name"`
	Password        string `mapstructure:"password" yaml:"password"`
	ControlPort     int    `mapstructure:"control_port" yaml:"control_port"`
	ScreenPort      int    `mapstructure:"screen_port" yaml:"screen_port"`
	FilePort        int    `mapstructure:"file_port" yaml:"file_port"`
	VideoPort       int    `mapstructure:"video_port" yaml:"video_port"`
	AudioPort       int    `mapstructure:"audio_port" yaml:"audio_port"`
	VideoListenPort int    `mapstructure:"video_listen_port" yaml:"video_listen_port"`
	AudioListenPort int    `mapstructure:"audio_listen_port" yaml:"audio_listen_port"`
	DownloadsDir    string `mapstructure:"downloads_dir" yaml:"downloads_dir"`
	LogLevel        string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat       string `mapstructure:"log_format" yaml:"log_format"`
}

func DefaultServer() *ServerConfig {
	return &ServerConfig{
		Host:                 "0.0.0.0",
		ControlPort:          9000,
		ScreenPort:           9001,
		FilePort:             9002,
		VideoPort:            10000,
		AudioPort:            11000,
		FilesDir:             "server_files",
		Discovery:            true,
		LogLevel:             "info",
		LogFormat:            "text",
		StatsIntervalSeconds: 30,
	}
}

func DefaultClient() *ClientConfig {
	return &ClientConfig{
		ControlPort:     9000,
		ScreenPort:      9001,
		FilePort:        9002,
		VideoPort:       10000,
		AudioPort:       11000,
		VideoListenPort: 10001,
		AudioListenPort: 11001,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

func LoadServer(cfgFile string) (*ServerConfig, error) {
	cfg := DefaultServer()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("confab-server")
		v.SetConfigType("yaml")
		v.AddConfigPath(serverConfigDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("CONFAB")

	// AutomaticEnv only reaches keys viper already knows about, so every
	// key is registered with its default before Unmarshal.
	v.SetDefault("host", cfg.Host)
	v.SetDefault("control_port", cfg.ControlPort)
	v.SetDefault("screen_port", cfg.ScreenPort)
	v.SetDefault("file_port", cfg.FilePort)
	v.SetDefault("video_port", cfg.VideoPort)
	v.SetDefault("audio_port", cfg.AudioPort)
	v.SetDefault("password", cfg.Password)
	v.SetDefault("room_name", cfg.RoomName)
	v.SetDefault("files_dir", cfg.FilesDir)
	v.SetDefault("discovery", cfg.Discovery)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("stats_interval_seconds", cfg.StatsIntervalSeconds)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func LoadClient(cfgFile string) (*ClientConfig, error) {
	cfg := DefaultClient()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("confab")
		v.SetConfigType("yaml")
		v.AddConfigPath(clientConfigDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("CONFAB")

	v.SetDefault("server", cfg.Server)
	v.SetDefault("name", cfg.Name)
	v.SetDefault("password", cfg.Password)
	v.SetDefault("control_port", cfg.ControlPort)
	v.SetDefault("screen_port", cfg.ScreenPort)
	v.SetDefault("file_port", cfg.FilePort)
	v.SetDefault("video_port", cfg.VideoPort)
	v.SetDefault("audio_port", cfg.AudioPort)
	v.SetDefault("video_listen_port", cfg.VideoListenPort)
	v.SetDefault("audio_listen_port", cfg.AudioListenPort)
	v.SetDefault("downloads_dir", cfg.DownloadsDir)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *ServerConfig) Save(path string) error {
	if path == "" {
		path = DefaultServerPath()
	}
	return writeYAML(path, c)
}

func (c *ClientConfig) Save(path string) error {
	if path == "" {
		path = DefaultClientPath()
	}
	return writeYAML(path, c)
}

// ResolveDownloadsDir returns the directory received files land in,
// falling back to ~/Downloads/ConferenceFiles when none is configured.
func (c *ClientConfig) ResolveDownloadsDir() (string, error) {
	if c.DownloadsDir != "" {
		return c.DownloadsDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Downloads", "ConferenceFiles"), nil
}

func DefaultServerPath() string {
	return filepath.Join(serverConfigDir(), "confab-server.yaml")
}

func DefaultClientPath() string {
	return filepath.Join(clientConfigDir(), "confab.yaml")
}

func writeYAML(path string, v any) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if err := os.WriteFile(path, out, 0600); err != nil {
		return err
	}

	// Restrict config file to owner-only access (may hold the session password)
	return os.Chmod(path, 0600)
}

func serverConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Confab")
	case "darwin":
		return "/Library/Application Support/Confab"
	default:
		return "/etc/confab"
	}
}

func clientConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "confab")
	}
	return "."
}
