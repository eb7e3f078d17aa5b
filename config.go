package volcache

import (
	"os"

	"github.com/meigma/volcache/resolve"
)

// DefaultRoot is the store root used when no override is configured.
const DefaultRoot = "/media/cache"

// Environment variables consulted by ConfigFromEnv.
const (
	// EnvCacheDir overrides the store root.
	EnvCacheDir = "CACHE_DIR"

	// EnvScope names the store scope, normally "owner/repo".
	EnvScope = "GITHUB_REPOSITORY"
)

// Config holds the settings of a Cache.
type Config struct {
	// Root is the store root directory.
	Root string `yaml:"root"`

	// Scope namespaces entries below Root, e.g. a repository name.
	Scope string `yaml:"scope"`

	// MaxKeyLength bounds key length in characters.
	MaxKeyLength int `yaml:"max_key_length"`

	// MatchMode selects how fallback keys match archive names.
	MatchMode resolve.Mode `yaml:"-"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Root:         DefaultRoot,
		MaxKeyLength: DefaultMaxKeyLength,
		MatchMode:    resolve.ModeSubstring,
	}
}

// ConfigFromEnv returns DefaultConfig with the root and scope taken from
// CACHE_DIR and GITHUB_REPOSITORY when set. A nil getenv uses os.Getenv.
func ConfigFromEnv(getenv func(string) string) Config {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := DefaultConfig()
	if dir := getenv(EnvCacheDir); dir != "" {
		cfg.Root = dir
	}
	cfg.Scope = getenv(EnvScope)
	return cfg
}
