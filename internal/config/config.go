package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/agnfit-cli/internal/resilience"
)

// Config holds the full settings for one fitting campaign.
type Config struct {
	Catalog  CatalogConfig  `yaml:"catalog" mapstructure:"catalog"`
	Filters  FiltersConfig  `yaml:"filters" mapstructure:"filters"`
	Models   ModelsConfig   `yaml:"models" mapstructure:"models"`
	Sampler  ProcessConfig  `yaml:"sampler" mapstructure:"sampler"`
	Writer   ProcessConfig  `yaml:"writer" mapstructure:"writer"`
	Builder  ProcessConfig  `yaml:"builder" mapstructure:"builder"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Dispatch DispatchConfig `yaml:"dispatch" mapstructure:"dispatch"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// CatalogConfig describes where the catalog lives and how to read it.
type CatalogConfig struct {
	Filename     string `yaml:"filename" mapstructure:"filename"`
	Path         string `yaml:"path" mapstructure:"path"`
	FileType     string `yaml:"filetype" mapstructure:"filetype"`
	Delimiter    string `yaml:"delimiter" mapstructure:"delimiter"`
	OutputFolder string `yaml:"output_folder" mapstructure:"output_folder"`

	NameColumn     string   `yaml:"name_column" mapstructure:"name_column"`
	RedshiftColumn string   `yaml:"redshift_column" mapstructure:"redshift_column"`
	FreqWLColumns  []string `yaml:"freq_wl_columns" mapstructure:"freq_wl_columns"`
	FluxColumns    []string `yaml:"flux_columns" mapstructure:"flux_columns"`
	FluxErrColumns []string `yaml:"flux_err_columns" mapstructure:"flux_err_columns"`
	NDFlagColumns  []string `yaml:"ndflag_columns" mapstructure:"ndflag_columns"`

	// Suffixes select columns by name when the explicit lists are empty.
	FreqWLSuffix  string `yaml:"freq_wl_suffix" mapstructure:"freq_wl_suffix"`
	FluxSuffix    string `yaml:"flux_suffix" mapstructure:"flux_suffix"`
	FluxErrSuffix string `yaml:"flux_err_suffix" mapstructure:"flux_err_suffix"`

	FreqWLFormat string `yaml:"freq_wl_format" mapstructure:"freq_wl_format"`
	FreqWLUnit   string `yaml:"freq_wl_unit" mapstructure:"freq_wl_unit"`
	FluxUnit     string `yaml:"flux_unit" mapstructure:"flux_unit"`

	UseCentralWavelength bool `yaml:"use_central_wavelength" mapstructure:"use_central_wavelength"`
	NDFlag               bool `yaml:"ndflag" mapstructure:"ndflag"`
	ErrFluxFlex          bool `yaml:"err_flux_flex" mapstructure:"err_flux_flex"`
}

// BandToggle enables one photometric band and fixes its catalog order.
type BandToggle struct {
	Name    string `yaml:"name" mapstructure:"name" msgpack:"name"`
	Enabled bool   `yaml:"enabled" mapstructure:"enabled" msgpack:"enabled"`
	Index   int    `yaml:"index" mapstructure:"index" msgpack:"index"`
}

// FiltersConfig separates per-band toggles from global filter options.
type FiltersConfig struct {
	Filterset             string       `yaml:"filterset" mapstructure:"filterset"`
	Bands                 []BandToggle `yaml:"bands" mapstructure:"bands"`
	Table                 string       `yaml:"table" mapstructure:"table"`
	TableUnit             string       `yaml:"table_unit" mapstructure:"table_unit"`
	TableNameColumn       int          `yaml:"table_name_column" mapstructure:"table_name_column"`
	TableWavelengthColumn int          `yaml:"table_wavelength_column" mapstructure:"table_wavelength_column"`
	AddFilters            bool         `yaml:"add_filters" mapstructure:"add_filters"`
	AddFiltersDict        string       `yaml:"add_filters_dict" mapstructure:"add_filters_dict"`
	DictZArray            []float64    `yaml:"dict_zarray" mapstructure:"dict_zarray"`
}

// EnabledBands returns the enabled band toggles in configuration order.
func (f FiltersConfig) EnabledBands() []BandToggle {
	var out []BandToggle
	for _, b := range f.Bands {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// ModelsConfig identifies the model set handed to the grid builder.
type ModelsConfig struct {
	Path     string         `yaml:"path" mapstructure:"path"`
	Modelset string         `yaml:"modelset" mapstructure:"modelset"`
	Options  map[string]any `yaml:"options" mapstructure:"options"`
}

// ProcessConfig describes an external collaborator executable.
type ProcessConfig struct {
	Command string            `yaml:"command" mapstructure:"command"`
	Args    []string          `yaml:"args" mapstructure:"args"`
	Env     map[string]string `yaml:"env" mapstructure:"env"`
	Options map[string]any    `yaml:"options" mapstructure:"options"`
}

// CacheConfig tunes the model grid cache.
type CacheConfig struct {
	StaleLockAfterMins int  `yaml:"stale_lock_after_mins" mapstructure:"stale_lock_after_mins"`
	Interactive        bool `yaml:"interactive" mapstructure:"interactive"`
}

// DispatchConfig configures the per-source worker pool.
type DispatchConfig struct {
	Workers     int  `yaml:"workers" mapstructure:"workers"`
	Independent bool `yaml:"independent" mapstructure:"independent"`
	Progress    bool `yaml:"progress" mapstructure:"progress"`

	// BreakerThreshold consecutive sampler failures stop further sampler
	// launches for BreakerCooldownSecs. Zero disables the breaker.
	BreakerThreshold    int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownSecs int `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// StoreConfig configures the fit ledger backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// MetricsConfig enables the Prometheus endpoint during runs.
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// ServerConfig configures the ledger status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads the settings file at path (or ./agnfit.yaml when path is
// empty) and applies AGNFIT_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agnfit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("AGNFIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("catalog.filetype", "ascii")
	v.SetDefault("catalog.name_column", "0")
	v.SetDefault("catalog.redshift_column", "1")
	v.SetDefault("catalog.freq_wl_format", "wavelength")
	v.SetDefault("catalog.freq_wl_unit", "Angstrom")
	v.SetDefault("catalog.flux_unit", "erg/s/cm2/Hz")
	v.SetDefault("catalog.output_folder", "OUTPUT/")
	v.SetDefault("filters.table", "models/FILTERS/ALL_FILTERS_info.dat")
	v.SetDefault("filters.table_unit", "log10Hz")
	v.SetDefault("filters.table_name_column", 1)
	v.SetDefault("filters.table_wavelength_column", 3)
	v.SetDefault("models.path", "models/MODELSDICTS/")
	v.SetDefault("cache.stale_lock_after_mins", 360)
	v.SetDefault("dispatch.workers", 1)
	v.SetDefault("dispatch.independent", true)
	v.SetDefault("dispatch.progress", true)
	v.SetDefault("dispatch.breaker_cooldown_secs", 300)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "agnfit.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, &resilience.ConfigError{
				Msg:         fmt.Sprintf("settings file %q could not be read", v.ConfigFileUsed()),
				Remediation: "pass a readable YAML settings file: agnfit run <settings.yaml>",
				Err:         err,
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// Validate checks the settings required before any catalog is read.
func (c *Config) Validate() error {
	var missing []string
	if c.Catalog.Filename == "" {
		missing = append(missing, "catalog.filename")
	}
	if c.Catalog.OutputFolder == "" {
		missing = append(missing, "catalog.output_folder")
	}
	if len(c.Catalog.FluxColumns) == 0 && c.Catalog.FluxSuffix == "" {
		missing = append(missing, "catalog.flux_columns")
	}
	if len(c.Catalog.FluxErrColumns) == 0 && c.Catalog.FluxErrSuffix == "" {
		missing = append(missing, "catalog.flux_err_columns")
	}
	if c.Filters.Filterset == "" {
		missing = append(missing, "filters.filterset")
	}
	if len(c.Filters.EnabledBands()) == 0 {
		missing = append(missing, "filters.bands (at least one enabled)")
	}
	if c.Models.Modelset == "" {
		missing = append(missing, "models.modelset")
	}
	if len(missing) > 0 {
		return resilience.NewConfigError(
			"required settings are missing: "+strings.Join(missing, ", "),
			"add them to the settings file or set AGNFIT_<SECTION>_<KEY>",
		)
	}

	switch c.Catalog.FileType {
	case "ascii", "arrow", "xlsx":
	default:
		return resilience.NewConfigError(
			fmt.Sprintf("unsupported catalog.filetype %q", c.Catalog.FileType),
			"use one of: ascii, arrow, xlsx",
		)
	}
	switch c.Catalog.FreqWLFormat {
	case "wavelength", "frequency":
	default:
		return resilience.NewConfigError(
			fmt.Sprintf("unsupported catalog.freq_wl_format %q", c.Catalog.FreqWLFormat),
			"use wavelength or frequency",
		)
	}
	if c.Catalog.NDFlag && len(c.Catalog.NDFlagColumns) == 0 {
		return resilience.NewConfigError("catalog.ndflag is set but catalog.ndflag_columns is empty", "")
	}

	seen := make(map[string]bool, len(c.Filters.Bands))
	for _, b := range c.Filters.Bands {
		if seen[b.Name] {
			return resilience.NewConfigError(fmt.Sprintf("filter band %q is listed twice", b.Name), "")
		}
		seen[b.Name] = true
	}

	if !c.Dispatch.Independent {
		return c.CheckSharedGrid()
	}
	return nil
}

// CheckSharedGrid validates the settings of the catalog-wide model grid
// used when sources are not fit independently.
func (c *Config) CheckSharedGrid() error {
	if len(c.Filters.DictZArray) == 0 {
		return resilience.NewConfigError(
			"filters.dict_zarray is empty but a shared model dictionary was requested",
			"list the redshifts of the shared grid in filters.dict_zarray or fit sources independently (-i)",
		)
	}
	return nil
}

// ModelsDictPath returns the cache key of the catalog-wide model grid.
func (c *Config) ModelsDictPath() string {
	return c.Catalog.Path + c.Models.Path + c.Filters.Filterset + c.Models.Modelset
}

// FilterTablePath returns the reference filter table location.
func (c *Config) FilterTablePath() string {
	return c.Filters.TablePath(c.Catalog.Path)
}

// TablePath resolves the reference filter table against base.
func (f FiltersConfig) TablePath(base string) string {
	if filepath.IsAbs(f.Table) {
		return f.Table
	}
	return filepath.Join(base, f.Table)
}

// WriteSnapshot writes the effective settings as YAML to path.
func (c *Config) WriteSnapshot(path string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "config: marshal snapshot")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "config: create snapshot dir")
	}
	return eris.Wrap(os.WriteFile(path, out, 0o644), "config: write snapshot")
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
