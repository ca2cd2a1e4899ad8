// Package config loads the service settings from config.yaml and
// RAW_SHUTTER_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	BackendV4L2 = "v4l2"
	BackendFake = "fake"
)

type Config struct {
	Server struct {
		Port         int      `mapstructure:"port"`
		AllowOrigins []string `mapstructure:"allow_origins"`
	} `mapstructure:"server"`
	Webdav struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"webdav"`
	Storage struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"storage"`
	Camera struct {
		Backend    string `mapstructure:"backend"`
		DeviceGlob string `mapstructure:"device_glob"`
	} `mapstructure:"camera"`
	Capture struct {
		StageTimeout time.Duration `mapstructure:"stage_timeout"`
	} `mapstructure:"capture"`
	Clock struct {
		NTPServer    string        `mapstructure:"ntp_server"`
		SyncInterval time.Duration `mapstructure:"sync_interval"`
	} `mapstructure:"clock"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("server.port", 9999)
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("webdav.port", 9998)
	v.SetDefault("storage.dir", filepath.Join(xdg.UserDirs.Pictures, "raw-shutter"))
	v.SetDefault("camera.backend", BackendV4L2)
	v.SetDefault("camera.device_glob", "/dev/video*")
	v.SetDefault("capture.stage_timeout", 10*time.Second)
	v.SetDefault("clock.ntp_server", "")
	v.SetDefault("clock.sync_interval", time.Hour)
	v.SetDefault("log.level", "info")
}

// Load reads file, or when it is empty the first config.yaml found in
// ., $HOME/.raw-shutter and /etc/raw-shutter. A missing file is not an error.
func Load(file string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("RAW_SHUTTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range []string{".", "$HOME/.raw-shutter", "/etc/raw-shutter"} {
			v.AddConfigPath(os.ExpandEnv(p))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return c, c.Validate()
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Errorf("server.port %d out of range", c.Server.Port)
	}
	for _, o := range c.Server.AllowOrigins {
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return errors.Errorf("server.allow_origins: %q must be \"*\" or start with http:// or https://", o)
		}
	}
	if c.Webdav.Port <= 0 || c.Webdav.Port > 65535 {
		return errors.Errorf("webdav.port %d out of range", c.Webdav.Port)
	}
	if c.Storage.Dir == "" {
		return errors.New("storage.dir can not be empty")
	}
	switch c.Camera.Backend {
	case BackendV4L2, BackendFake:
	default:
		return errors.Errorf("unknown camera.backend %q", c.Camera.Backend)
	}
	if c.Capture.StageTimeout < 0 {
		return errors.New("capture.stage_timeout can not be negative")
	}
	if c.Clock.NTPServer != "" && c.Clock.SyncInterval <= 0 {
		return errors.New("clock.sync_interval must be positive")
	}
	return nil
}
