// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package config loads the watcher configuration from a YAML file with
// ALERTWATCHER_* environment overrides.
package config

import (
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Database holds document-store connection settings and collection names.
type Database struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DB       string `mapstructure:"db"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	CollectionAlerts    string `mapstructure:"collection_alerts"`
	CollectionAlertsAux string `mapstructure:"collection_alerts_aux"`
	CollectionFilters   string `mapstructure:"collection_filters"`
}

// MLModel describes one scoring model: its pinned version string and the
// serving endpoint the scorer posts triplets to.
type MLModel struct {
	Version string `mapstructure:"version"`
	URL     string `mapstructure:"url"`
}

// XmatchCatalog is the per-catalog query customization for cone searches.
type XmatchCatalog struct {
	Filter     map[string]interface{} `mapstructure:"filter"`
	Projection map[string]interface{} `mapstructure:"projection"`
}

// Xmatch configures positional cross-matching.
type Xmatch struct {
	ConeSearchRadius float64                  `mapstructure:"cone_search_radius"`
	ConeSearchUnit   string                   `mapstructure:"cone_search_unit"`
	Catalogs         map[string]XmatchCatalog `mapstructure:"catalogs"`
}

// RadiusRadians converts the configured cone-search radius to radians.
// An unknown unit is a startup-fatal condition for the caller.
func (x Xmatch) RadiusRadians() (float64, error) {
	switch x.ConeSearchUnit {
	case "arcsec":
		return x.ConeSearchRadius * math.Pi / 180 / 3600, nil
	case "arcmin":
		return x.ConeSearchRadius * math.Pi / 180 / 60, nil
	case "deg":
		return x.ConeSearchRadius * math.Pi / 180, nil
	case "rad":
		return x.ConeSearchRadius, nil
	default:
		return 0, errors.Errorf("unknown cone search unit %q, must be one of [deg, rad, arcsec, arcmin]", x.ConeSearchUnit)
	}
}

// Kafka holds broker connection settings. Key names follow the survey
// deployment convention, so they are read path-by-path rather than
// unmarshalled (several contain dots).
type Kafka struct {
	BootstrapServers     string
	BootstrapTestServers string
	Zookeeper            string
	ZookeeperTest        string
	Group                string
	AutoOffsetReset      string
}

// Filters holds the per-collection upstream pipeline prefixes (stored as
// extended-JSON strings) and the per-filter aggregation time budget.
type Filters struct {
	Upstream  map[string]string
	MaxTimeMS int
}

// UpstreamFor returns the upstream prefix for a collection. Config keys
// are case-insensitive, so the lookup is lowercased.
func (f Filters) UpstreamFor(coll string) string {
	return f.Upstream[strings.ToLower(coll)]
}

// Misc is the grab bag of feature toggles.
type Misc struct {
	PostToSkyPortal       bool `mapstructure:"post_to_skyportal"`
	PostPassedFiltersOnly bool `mapstructure:"post_passed_filters_only"`
}

// SkyPortal configures the downstream follow-up portal client.
type SkyPortal struct {
	Protocol string `mapstructure:"protocol"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Token    string `mapstructure:"token"`
	// SourcesEndpoint selects where alert metadata lands: "sources"
	// (legacy) or "candidates".
	SourcesEndpoint string `mapstructure:"sources_endpoint"`
}

// Paths are the on-disk locations the watcher writes to.
type Paths struct {
	PathAlerts   string `mapstructure:"path_alerts"`
	PathTess     string `mapstructure:"path_tess"`
	PathKafka    string `mapstructure:"path_kafka"`
	PathMLModels string `mapstructure:"path_ml_models"`
}

// API configures the optional companion HTTP surface.
type API struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	JWTSecret     string `mapstructure:"jwt_secret"`
	JWTAlgorithm  string `mapstructure:"jwt_algorithm"`
	AdminUsername string `mapstructure:"admin_username"`
}

// Supervisor holds the watchdog loop timings.
type Supervisor struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	TestWait     time.Duration `mapstructure:"test_wait"`
}

// Config is the root configuration object.
type Config struct {
	Database   Database                              `mapstructure:"database"`
	Indexes    map[string]map[string][][]interface{} `mapstructure:"indexes"`
	MLModels   map[string]MLModel                    `mapstructure:"ml_models"`
	Xmatch     Xmatch                                `mapstructure:"xmatch"`
	Misc       Misc                                  `mapstructure:"misc"`
	SkyPortal  SkyPortal                             `mapstructure:"skyportal"`
	Path       Paths                                 `mapstructure:"path"`
	API        API                                   `mapstructure:"api"`
	Supervisor Supervisor                            `mapstructure:"supervisor"`

	Kafka   Kafka
	Filters Filters
}

// Load reads the config file at path and applies defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ALERTWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "unable to read config file %s", path)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unable to decode config")
	}

	// dotted keys, read path-by-path
	cfg.Kafka = Kafka{
		BootstrapServers:     v.GetString("kafka.bootstrap.servers"),
		BootstrapTestServers: v.GetString("kafka.bootstrap.test.servers"),
		Zookeeper:            v.GetString("kafka.zookeeper"),
		ZookeeperTest:        v.GetString("kafka.zookeeper_test"),
		Group:                v.GetString("kafka.group"),
		AutoOffsetReset:      v.GetString("kafka.default.topic.config.auto.offset.reset"),
	}

	cfg.Filters = Filters{
		Upstream:  map[string]string{},
		MaxTimeMS: v.GetInt("filters.max_time_ms"),
	}
	for key, val := range v.GetStringMap("filters") {
		if key == "max_time_ms" {
			continue
		}
		if s, ok := val.(string); ok {
			cfg.Filters.Upstream[key] = s
		}
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 27017)
	v.SetDefault("database.collection_alerts", "ZTF_alerts")
	v.SetDefault("database.collection_alerts_aux", "ZTF_alerts_aux")
	v.SetDefault("database.collection_filters", "filters")
	v.SetDefault("xmatch.cone_search_radius", 2.0)
	v.SetDefault("xmatch.cone_search_unit", "arcsec")
	v.SetDefault("kafka.group", "alertwatcher")
	v.SetDefault("kafka.default.topic.config.auto.offset.reset", "earliest")
	v.SetDefault("filters.max_time_ms", 500)
	v.SetDefault("skyportal.protocol", "http")
	v.SetDefault("skyportal.sources_endpoint", "sources")
	v.SetDefault("api.jwt_algorithm", "HS256")
	v.SetDefault("api.admin_username", "admin")
	v.SetDefault("supervisor.poll_interval", 300*time.Second)
	v.SetDefault("supervisor.test_wait", 120*time.Second)
}

// Servers returns the production or test broker list.
func (k Kafka) Servers(test bool) string {
	if test {
		return k.BootstrapTestServers
	}
	return k.BootstrapServers
}
