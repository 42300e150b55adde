// Package config loads process configuration through viper: defaults, an
// optional config file, and environment variable overrides, in that
// precedence order.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Chrome    ChromeConfig
	JWT       JWTConfig
	Storage   StorageConfig
	Scheduler SchedulerConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	Mode         string // "debug" or "release", forwarded to gin
	ReadTimeout  int    // seconds
	WriteTimeout int    // seconds
}

// ChromeConfig describes the debug endpoint the CDP Tab Client attaches to.
type ChromeConfig struct {
	DebugPort        int
	NavigateTimeout  int // seconds
	DefaultDialogAct string
}

// JWTConfig configures the single-shared-secret bearer token scheme
// . PasswordHash is a bcrypt hash checked by POST /api/v1/auth/token
// before a caller is issued a bearer token; Secret signs the token itself.
type JWTConfig struct {
	Secret        string
	ExpireSeconds int
	PasswordHash  string
}

// StorageConfig locates the file-backed External Test Repository and the
// Session Registry's optional flush file.
type StorageConfig struct {
	TestsDir     string
	SessionsFile string
}

type SchedulerConfig struct {
	Enabled bool
}

// Load builds a Config from defaults, an optional file named by configPath
// (if non-empty), and environment variables prefixed CDPORCH_ (e.g.
// CDPORCH_SERVER_PORT). Nested fields use underscores: CDPORCH_CHROME_DEBUG_PORT.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	v.SetDefault("chrome.debug_port", 9222)
	v.SetDefault("chrome.navigate_timeout", 30)
	v.SetDefault("chrome.default_dialog_action", "dismiss")

	v.SetDefault("jwt.secret", "change-me")
	v.SetDefault("jwt.expire_seconds", 24*3600)
	v.SetDefault("jwt.password_hash", "")

	v.SetDefault("storage.tests_dir", "./data/tests")
	v.SetDefault("storage.sessions_file", "./data/sessions.json")

	v.SetDefault("scheduler.enabled", true)

	v.SetEnvPrefix("cdporch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetString("server.port"),
			Mode:         v.GetString("server.mode"),
			ReadTimeout:  v.GetInt("server.read_timeout"),
			WriteTimeout: v.GetInt("server.write_timeout"),
		},
		Chrome: ChromeConfig{
			DebugPort:        v.GetInt("chrome.debug_port"),
			NavigateTimeout:  v.GetInt("chrome.navigate_timeout"),
			DefaultDialogAct: v.GetString("chrome.default_dialog_action"),
		},
		JWT: JWTConfig{
			Secret:        v.GetString("jwt.secret"),
			ExpireSeconds: v.GetInt("jwt.expire_seconds"),
			PasswordHash:  v.GetString("jwt.password_hash"),
		},
		Storage: StorageConfig{
			TestsDir:     v.GetString("storage.tests_dir"),
			SessionsFile: v.GetString("storage.sessions_file"),
		},
		Scheduler: SchedulerConfig{
			Enabled: v.GetBool("scheduler.enabled"),
		},
	}

	return cfg, nil
}
