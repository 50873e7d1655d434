// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-webhook/pkg/bridge/payloadfmt"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the full relay configuration. It is loaded once at startup from
// an optional YAML file merged with environment overrides, then handed
// read-only to the components.
type Config struct {
	Matrix  MatrixConfig      `yaml:"matrix"`
	Webhook WebhookConfig     `yaml:"webhook"`
	Logging zeroconfig.Config `yaml:"logging"`
}

// MatrixConfig holds the homeserver connection settings.
type MatrixConfig struct {
	Homeserver string    `yaml:"homeserver" validate:"required,url"`
	UserID     id.UserID `yaml:"user_id" validate:"required"`
	// Password is only used when no stored credentials exist yet.
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name" validate:"required"`
	SSLVerify  bool   `yaml:"ssl_verify"`
	StorePath  string `yaml:"store_path" validate:"required"`
	// AdminRoom receives the one-time startup greeting. Empty disables it.
	AdminRoom id.RoomID `yaml:"admin_room"`
}

// WebhookConfig holds the HTTP listener and message rendering settings.
type WebhookConfig struct {
	Port        int    `yaml:"port" validate:"min=1,max=65535"`
	KnownTokens string `yaml:"known_tokens" validate:"required"`
	// MessageFormat deliberately has no oneof validation: an unknown value
	// must surface as 415 on the webhook endpoint, not keep the relay from
	// starting.
	MessageFormat  string `yaml:"message_format" validate:"required"`
	AllowUnicode   bool   `yaml:"allow_unicode"`
	UseMarkdown    bool   `yaml:"use_markdown"`
	DisplayAppName bool   `yaml:"display_app_name"`
}

func defaultConfig() *Config {
	return &Config{
		Matrix: MatrixConfig{
			DeviceName: "matrix-webhook",
			SSLVerify:  true,
			StorePath:  "./data",
		},
		Webhook: WebhookConfig{
			Port:           8000,
			MessageFormat:  payloadfmt.ModeRaw,
			AllowUnicode:   true,
			DisplayAppName: true,
		},
		Logging: zeroconfig.Config{
			MinLevel: ptr.Ptr(zerolog.InfoLevel),
			Writers: []zeroconfig.WriterConfig{{
				Type:   zeroconfig.WriterTypeStdout,
				Format: zeroconfig.LogFormatPrettyColored,
			}},
		},
	}
}

// LoadConfig reads the YAML config at path when it exists, upgrades it
// against the embedded example, applies environment overrides and validates
// the result. A missing file is not an error: environment-only deployments
// are supported.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Environment-only deployment.
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		merged, err := upgradeConfigData(data)
		if err != nil {
			return nil, fmt.Errorf("upgrading config: %w", err)
		}
		if err := yaml.Unmarshal(merged, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// upgradeConfigData merges a user config over the embedded example, so
// missing keys pick up defaults and old configs gain new keys.
func upgradeConfigData(data []byte) ([]byte, error) {
	var base, cfg yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &base); err != nil {
		return nil, fmt.Errorf("parsing embedded example config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	helper := up.NewHelper(&base, &cfg)
	upgradeConfig(helper)
	return yaml.Marshal(&base)
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "matrix", "homeserver")
	helper.Copy(up.Str, "matrix", "user_id")
	helper.Copy(up.Str, "matrix", "password")
	helper.Copy(up.Str, "matrix", "device_name")
	helper.Copy(up.Bool, "matrix", "ssl_verify")
	helper.Copy(up.Str, "matrix", "store_path")
	helper.Copy(up.Str, "matrix", "admin_room")
	helper.Copy(up.Int, "webhook", "port")
	helper.Copy(up.Str, "webhook", "known_tokens")
	helper.Copy(up.Str, "webhook", "message_format")
	helper.Copy(up.Bool, "webhook", "allow_unicode")
	helper.Copy(up.Bool, "webhook", "use_markdown")
	helper.Copy(up.Bool, "webhook", "display_app_name")
	helper.Copy(up.Map, "logging")
}

// applyEnv layers environment overrides onto the config. The keys match the
// variables the original deployments used, so an env-only setup keeps working
// without a config file.
func (cfg *Config) applyEnv() error {
	var errs []error
	strVar := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	boolVar := func(dst *bool, key string) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a boolean", key, v))
			return
		}
		*dst = parsed
	}

	strVar(&cfg.Matrix.Homeserver, "MATRIX_SERVER")
	if v, ok := os.LookupEnv("MATRIX_USERID"); ok {
		cfg.Matrix.UserID = id.UserID(v)
	}
	strVar(&cfg.Matrix.Password, "MATRIX_PASSWORD")
	strVar(&cfg.Matrix.DeviceName, "MATRIX_DEVICE")
	boolVar(&cfg.Matrix.SSLVerify, "MATRIX_SSLVERIFY")
	strVar(&cfg.Matrix.StorePath, "LOGIN_STORE_PATH")
	if v, ok := os.LookupEnv("MATRIX_ADMIN_ROOM"); ok {
		cfg.Matrix.AdminRoom = id.RoomID(v)
	}
	if v, ok := os.LookupEnv("WEBHOOK_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("WEBHOOK_PORT: %q is not a number", v))
		} else {
			cfg.Webhook.Port = port
		}
	}
	strVar(&cfg.Webhook.KnownTokens, "KNOWN_TOKENS")
	strVar(&cfg.Webhook.MessageFormat, "MESSAGE_FORMAT")
	boolVar(&cfg.Webhook.AllowUnicode, "ALLOW_UNICODE")
	boolVar(&cfg.Webhook.UseMarkdown, "USE_MARKDOWN")
	boolVar(&cfg.Webhook.DisplayAppName, "DISPLAY_APP_NAME")
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		level, err := zerolog.ParseLevel(strings.ToLower(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
		} else {
			cfg.Logging.MinLevel = &level
		}
	}

	return errors.Join(errs...)
}

func (cfg *Config) validate() error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
