// Package config loads the settings of the resolution command from a YAML file
// and RESOLUTION_* environment variables.
//
// Settings are looked up, from highest to lowest priority, in the environment,
// the configuration file and the defaults. Nested keys map to environment
// variables by upper-casing them and replacing dots with underscores, so
// store.path is read from RESOLUTION_STORE_PATH.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables overriding configuration keys.
const EnvPrefix = "RESOLUTION"

// Config holds every setting of the resolution command.
type Config struct {
	// Catalog is the path of the YAML dataset catalog; empty means every
	// dataset is a leaf of its own.
	Catalog string  `mapstructure:"catalog"`
	Log     Log     `mapstructure:"log"`
	Store   Store   `mapstructure:"store"`
	Archive Archive `mapstructure:"archive"`
	Graph   Graph   `mapstructure:"graph"`
	Feed    Feed    `mapstructure:"feed"`
	Index   Index   `mapstructure:"index"`
	PEP     PEP     `mapstructure:"pep"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

type Store struct {
	Path       string `mapstructure:"path"`
	InMemory   bool   `mapstructure:"in_memory"`
	SyncWrites bool   `mapstructure:"sync_writes"`
}

type Archive struct {
	URL          string        `mapstructure:"url"`
	ReadOnly     bool          `mapstructure:"read_only"`
	RetainWindow time.Duration `mapstructure:"retain_window"`
}

// Graph locates the edge log of the identity graph: a JSON-lines file, or a
// Neo4j database when Neo4jURI is set.
type Graph struct {
	Path          string `mapstructure:"path"`
	Neo4jURI      string `mapstructure:"neo4j_uri"`
	Neo4jUser     string `mapstructure:"neo4j_user"`
	Neo4jPassword string `mapstructure:"neo4j_password"`
	Neo4jDatabase string `mapstructure:"neo4j_database"`
}

// Feed names the pubsub endpoints carrying proposed judgements, as
// gocloud.dev URLs. Both must name a broker shared by the proposing and the
// applying processes; mem:// topics live only as long as one process.
type Feed struct {
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

type Index struct {
	StopwordsPct float64 `mapstructure:"stopwords_pct"`
	MaxPairs     int     `mapstructure:"max_pairs"`
	XrefLimit    int     `mapstructure:"xref_limit"`
}

type PEP struct {
	URL               string        `mapstructure:"url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
}

var defaults = map[string]any{
	"catalog":                 "",
	"log.level":               "info",
	"log.format":              "json",
	"store.path":              "data/store",
	"store.in_memory":         false,
	"store.sync_writes":       true,
	"archive.url":             "file:///var/lib/resolution/archive",
	"archive.read_only":       false,
	"archive.retain_window":   0,
	"graph.path":              "data/resolver.jsonl",
	"graph.neo4j_uri":         "",
	"graph.neo4j_user":        "neo4j",
	"graph.neo4j_password":    "",
	"graph.neo4j_database":    "resolver",
	"feed.topic":              "",
	"feed.subscription":       "",
	"index.stopwords_pct":     0.8,
	"index.max_pairs":         0,
	"index.xref_limit":        10_000,
	"pep.url":                 "",
	"pep.timeout":             10 * time.Second,
	"pep.requests_per_second": 0,
	"pep.cache_ttl":           time.Hour,
}

// Load reads the configuration. An explicit path must name a readable file;
// otherwise resolution.yaml is searched for in the working directory and in
// $HOME/.resolution, and its absence is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("resolution")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.resolution")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unsupported log format %q", c.Log.Format)
	}
	if c.Index.StopwordsPct < 0 || c.Index.StopwordsPct > 100 {
		return fmt.Errorf("config: index.stopwords_pct %v out of range [0, 100]", c.Index.StopwordsPct)
	}
	if c.Archive.RetainWindow < 0 {
		return fmt.Errorf("config: negative archive.retain_window %v", c.Archive.RetainWindow)
	}
	return nil
}

// SlogLevel parses the configured log level.
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return level, nil
}
