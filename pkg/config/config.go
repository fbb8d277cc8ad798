// Package config loads the daemon's configuration through a layered
// koanf stack: built-in defaults, then a JSON config file, then
// RTAGSD_*-prefixed environment variables, then CLI flags — generalizing
// the teacher's ad hoc AIDE_*-env-var parsing in cmd/aide/main.go into a
// single layered provider chain.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the daemon's resolved configuration (§6 "CLI surface").
type Config struct {
	SocketPath         string `koanf:"socket_path"`
	DataDir            string `koanf:"data_dir"`
	ProjectsFile       string `koanf:"projects_file"`
	ThreadCount        int    `koanf:"thread_count"`
	DefaultExtraArgs   string `koanf:"default_extra_args"`
	NoClangIncludePath bool   `koanf:"no_clang_include_path"`
	NoWall             bool   `koanf:"no_wall"`
	ClearProjects      bool   `koanf:"clear_projects"`
}

// Defaults returns the built-in default configuration, as a confmap
// layer beneath the file and environment layers.
func Defaults() Config {
	return Config{
		SocketPath:   "/tmp/rtagsd.sock",
		DataDir:      "~/.rtags",
		ProjectsFile: "~/.rtags/projects",
		ThreadCount:  0, // 0 => host CPU count, resolved by the job pool
	}
}

// Load builds the layered configuration: defaults -> configPath (if
// non-empty and present) -> RTAGSD_* environment variables. CLI flags are
// applied by the caller afterward by setting fields, since flag parsing
// belongs to cmd/rtagsd, not this package.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := Defaults()
	defaultsMap := map[string]interface{}{
		"socket_path":            defaults.SocketPath,
		"data_dir":               defaults.DataDir,
		"projects_file":          defaults.ProjectsFile,
		"thread_count":           defaults.ThreadCount,
		"default_extra_args":     defaults.DefaultExtraArgs,
		"no_clang_include_path":  defaults.NoClangIncludePath,
		"no_wall":                defaults.NoWall,
		"clear_projects":         defaults.ClearProjects,
	}
	if err := k.Load(confmap.Provider(defaultsMap, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), json.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: "RTAGSD_",
		TransformFunc: func(k, v string) (string, any) {
			key := strings.ToLower(strings.TrimPrefix(k, "RTAGSD_"))
			return key, v
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
