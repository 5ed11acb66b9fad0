// Package config is used to load the engine configuration
package config

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/sliverarmory/guestkit"
	"github.com/sliverarmory/guestkit/macho"
	"github.com/sliverarmory/guestkit/patch"
	"github.com/sliverarmory/guestkit/symcache"
)

// EnvPrefix prefixes the environment variables that override config keys,
// as in GUESTKIT_HOOKS_HIDE_CONTAINER.
const EnvPrefix = "guestkit"

type hooks struct {
	HideContainer   bool   `mapstructure:"hide_container"`
	SpoofSDKVersion string `mapstructure:"spoof_sdk_version"`
}

type patchConfig struct {
	Inject      bool   `mapstructure:"inject"`
	TweakLoader string `mapstructure:"tweak_loader"`
}

type symbols struct {
	Size     int    `mapstructure:"size"`
	Database string `mapstructure:"database"`
}

type host struct {
	BundlePath   string `mapstructure:"bundle_path"`
	URLScheme    string `mapstructure:"url_scheme"`
	Shared       bool   `mapstructure:"shared"`
	AppGroupPath string `mapstructure:"app_group_path"`
}

// Config is the configuration struct
type Config struct {
	Hooks    hooks       `mapstructure:"hooks"`
	Patch    patchConfig `mapstructure:"patch"`
	Symcache symbols     `mapstructure:"symcache"`
	Host     host        `mapstructure:"host"`
}

// Dir returns the default config directory, $HOME/.config/guestkit.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "config: failed to get user home directory")
	}
	return filepath.Join(home, ".config", "guestkit"), nil
}

// Setup registers defaults, the config search path and environment
// overrides on v. cfgFile, when set, replaces the search path.
func Setup(v *viper.Viper, cfgFile string) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if dir, err := Dir(); err == nil {
		v.AddConfigPath(dir)
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetDefault("hooks.hide_container", false)
	v.SetDefault("hooks.spoof_sdk_version", "")
	v.SetDefault("patch.inject", true)
	v.SetDefault("patch.tweak_loader", macho.DefaultTweakLoader)
	v.SetDefault("symcache.size", symcache.DefaultSize)
	v.SetDefault("symcache.database", "")
	v.SetDefault("host.bundle_path", "")
	v.SetDefault("host.url_scheme", "")
	v.SetDefault("host.shared", false)
	v.SetDefault("host.app_group_path", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// Load reads the config file if there is one and decodes v.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || v.ConfigFileUsed() != "" {
			return nil, errors.Wrap(err, "config: failed to read")
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "config: failed to unmarshal")
	}
	if err := c.Verify(); err != nil {
		return nil, errors.Wrap(err, "config: failed to verify")
	}
	return &c, nil
}

// Verify checks the values and expands ~ in paths.
func (c *Config) Verify() error {
	if c.Symcache.Size <= 0 {
		return errors.Errorf("symcache.size must be positive, got %d", c.Symcache.Size)
	}
	if c.Patch.Inject && c.Patch.TweakLoader == "" {
		return errors.New("patch.tweak_loader is required when patch.inject is set")
	}
	if _, err := PackVersion(c.Hooks.SpoofSDKVersion); err != nil {
		return errors.Wrap(err, "hooks.spoof_sdk_version")
	}
	if c.Host.Shared && c.Host.AppGroupPath == "" {
		return errors.New("host.app_group_path is required when host.shared is set")
	}
	var err error
	if c.Symcache.Database, err = expandHome(c.Symcache.Database); err != nil {
		return err
	}
	return nil
}

// InstallOptions returns the hook options of c. The version is assumed
// valid, as checked by Verify.
func (c *Config) InstallOptions() guestkit.InstallOptions {
	v, _ := PackVersion(c.Hooks.SpoofSDKVersion)
	return guestkit.InstallOptions{
		HideContainer:   c.Hooks.HideContainer,
		SpoofSDKVersion: v,
	}
}

// Engine builds an engine from c. The returned closer releases the symbol
// database, if one is configured.
func (c *Config) Engine(extra ...guestkit.Option) (*guestkit.Engine, io.Closer, error) {
	var closer io.Closer = nopCloser{}
	copts := []symcache.Option{symcache.WithSize(c.Symcache.Size)}
	if c.Symcache.Database != "" {
		store, err := symcache.OpenStore(c.Symcache.Database)
		if err != nil {
			return nil, nil, errors.Wrap(err, "config: failed to open symbol database")
		}
		copts = append(copts, symcache.WithStore(store))
		closer = store
	}
	cache, err := symcache.New(copts...)
	if err != nil {
		_ = closer.Close()
		return nil, nil, errors.Wrap(err, "config: failed to create symbol cache")
	}

	opts := []guestkit.Option{
		guestkit.WithCache(cache),
		guestkit.WithInjection(c.Patch.Inject),
		guestkit.WithPatchOptions(patch.WithTweakLoader(c.Patch.TweakLoader)),
	}
	if c.Host.BundlePath != "" || c.Host.AppGroupPath != "" {
		opts = append(opts, guestkit.WithHost(&guestkit.StaticHost{
			Bundle:   c.Host.BundlePath,
			Scheme:   c.Host.URLScheme,
			Shared:   c.Host.Shared,
			AppGroup: c.Host.AppGroupPath,
		}))
	}
	e, err := guestkit.New(append(opts, extra...)...)
	if err != nil {
		_ = closer.Close()
		return nil, nil, errors.Wrap(err, "config: failed to create engine")
	}
	return e, closer, nil
}

// PackVersion packs a dotted version such as "15.0" or "14.4.1" into the
// xxxx.yy.zz form the loader reports. The empty string packs to 0.
func PackVersion(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return 0, errors.Errorf("invalid version %q", s)
	}
	limits := []uint64{0xffff, 0xff, 0xff}
	shifts := []uint{16, 8, 0}
	var v uint32
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid version %q", s)
		}
		if n > limits[i] {
			return 0, errors.Errorf("invalid version %q: component %d out of range", s, n)
		}
		v |= uint32(n) << shifts[i]
	}
	return v, nil
}

// UnpackVersion is the inverse of PackVersion.
func UnpackVersion(v uint32) string {
	s := strconv.Itoa(int(v>>16)) + "." + strconv.Itoa(int(v>>8&0xff))
	if p := v & 0xff; p != 0 {
		s += "." + strconv.Itoa(int(p))
	}
	return s
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get user home directory")
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
