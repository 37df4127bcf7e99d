package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Gemini GeminiConfig `yaml:"gemini"`
	Upload UploadConfig `yaml:"upload"`
	Frames FramesConfig `yaml:"frames"`
	Store  StoreConfig  `yaml:"store"`
	Minio  MinioConfig  `yaml:"minio"`
	Auth   AuthConfig   `yaml:"auth"`
	Users  []User       `yaml:"users"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
	// PollIntervalSeconds is the wait between remote file state checks
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// PollTimeoutSeconds bounds how long an uploaded file may stay in the
	// provider's processing state before we give up
	PollTimeoutSeconds int `yaml:"poll_timeout_seconds"`
	MaxRetries         int `yaml:"max_retries"`
}

type UploadConfig struct {
	MaxFileSize int64  `yaml:"max_file_size"`
	TempDir     string `yaml:"temp_dir"`
	// ClipSeconds is the length of the leading clip used for scoping
	ClipSeconds int `yaml:"clip_seconds"`
	// AnalyzeWaitSeconds bounds how long a manual analyze request waits for
	// the in-flight full-video upload to finish
	AnalyzeWaitSeconds int `yaml:"analyze_wait_seconds"`
}

type FramesConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	MaxWidth        int `yaml:"max_width"`
}

type StoreConfig struct {
	TTLHours     int `yaml:"ttl_hours"`
	SweepMinutes int `yaml:"sweep_minutes"`
	MaxSessions  int `yaml:"max_sessions"` // 0 = unlimited
}

type MinioConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads the yaml config at path. A missing file is not an error: the
// tool runs on defaults plus GOOGLE_API_KEY when no config is present.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Gemini.APIKey == "" {
		c.Gemini.APIKey = os.Getenv("GOOGLE_API_KEY")
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-2.5-flash-lite"
	}
	if c.Gemini.PollIntervalSeconds == 0 {
		c.Gemini.PollIntervalSeconds = 2
	}
	if c.Gemini.PollTimeoutSeconds == 0 {
		c.Gemini.PollTimeoutSeconds = 600
	}
	if c.Gemini.MaxRetries == 0 {
		c.Gemini.MaxRetries = 3
	}
	if c.Upload.MaxFileSize == 0 {
		c.Upload.MaxFileSize = 2 << 30 // 2 GiB, Gemini File API limit
	}
	if c.Upload.TempDir == "" {
		c.Upload.TempDir = filepath.Join(os.TempDir(), "hikitsugi_uploads")
	}
	if c.Upload.ClipSeconds == 0 {
		c.Upload.ClipSeconds = 300
	}
	if c.Upload.AnalyzeWaitSeconds == 0 {
		c.Upload.AnalyzeWaitSeconds = 60
	}
	if c.Frames.IntervalSeconds == 0 {
		c.Frames.IntervalSeconds = 5
	}
	if c.Frames.MaxWidth == 0 {
		c.Frames.MaxWidth = 800
	}
	if c.Store.TTLHours == 0 {
		c.Store.TTLHours = 24
	}
	if c.Store.SweepMinutes == 0 {
		c.Store.SweepMinutes = 60
	}
	if c.Auth.TokenExpireHours == 0 {
		c.Auth.TokenExpireHours = 24
	}
}

// AuthEnabled reports whether login is configured. With no users the API is
// left open, matching how the tool is run locally.
func (c *Config) AuthEnabled() bool {
	return len(c.Users) > 0
}

// FindUser finds a user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}

// SessionTTL returns the store expiry as a duration
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Store.TTLHours) * time.Hour
}

// SweepInterval returns how often the expiry sweeper runs
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Store.SweepMinutes) * time.Minute
}
