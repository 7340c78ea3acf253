package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RootConfig is the on-disk layout: named profiles plus the one to use.
type RootConfig struct {
	ActiveProfile string             `mapstructure:"active_profile" yaml:"active_profile"`
	Profiles      map[string]*Config `mapstructure:"profiles" yaml:"profiles"`
}

type Config struct {
	Recorder    RecorderConfig    `mapstructure:"recorder" yaml:"recorder"`
	Output      OutputConfig      `mapstructure:"output" yaml:"output"`
	Transcriber TranscriberConfig `mapstructure:"transcriber" yaml:"transcriber"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`

	// Where each setting came from ("inherited" or "profile-specific"),
	// keyed by dotted setting name. Used by `config show`.
	Inheritance map[string]string `mapstructure:"-" yaml:"-"`
}

type RecorderConfig struct {
	Backend     string   `mapstructure:"backend" yaml:"backend"` // "ffmpeg", "pipewire", "auto"
	FFmpegPath  string   `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	InputFormat string   `mapstructure:"input_format" yaml:"input_format,omitempty"` // ffmpeg -f, empty = OS default
	Device      string   `mapstructure:"device" yaml:"device,omitempty"`             // ffmpeg -i, empty = OS default
	Sources     []string `mapstructure:"sources" yaml:"sources,omitempty"`           // PipeWire ports linked into the recorder
	SampleRate  int      `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels    int      `mapstructure:"channels" yaml:"channels"`
	ChunkSize   int      `mapstructure:"chunk_size" yaml:"chunk_size"`
	Formats     []string `mapstructure:"formats" yaml:"formats,omitempty"` // preference order, empty = built-in order
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type TranscriberConfig struct {
	URL        string        `mapstructure:"url" yaml:"url"`
	Model      string        `mapstructure:"model" yaml:"model"`
	Language   string        `mapstructure:"language" yaml:"language,omitempty"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Preprocess bool          `mapstructure:"preprocess" yaml:"preprocess"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host" yaml:"host"`
	Port           int      `mapstructure:"port" yaml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"` // CORS, empty = same origin only
}

type LoggingConfig struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

const (
	inherited       = "inherited"
	profileSpecific = "profile-specific"
)

var defaultConfig = Config{
	Recorder: RecorderConfig{
		Backend:    "auto",
		FFmpegPath: "ffmpeg",
		SampleRate: 48000,
		Channels:   1,
		ChunkSize:  4096,
	},
	Output: OutputConfig{
		Directory: filepath.Join("~", "Audio", "AudioTrans"),
	},
	Transcriber: TranscriberConfig{
		URL:     "http://localhost:8000",
		Model:   "whisper-1",
		Timeout: 5 * time.Minute,
	},
	Server: ServerConfig{
		Host: "127.0.0.1",
		Port: 8090,
	},
	Logging: LoggingConfig{
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	},
}

// DefaultPath is where the CLI looks for a configuration file when none
// is given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "audiotrans.yaml"
	}
	return filepath.Join(home, ".config", "audiotrans.yaml")
}

// Default returns the built-in configuration with environment overrides
// applied and paths expanded.
func Default() (*Config, error) {
	cfg := mergeConfigs(&defaultConfig, nil)
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithProfile reads configFile and resolves the requested profile (or
// the file's active profile) over the "default" profile and the built-in
// defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	profileName := profile
	if profileName == "" {
		profileName = rootConfig.ActiveProfile
	}
	if profileName == "" {
		profileName = "default"
	}

	selected, exists := rootConfig.Profiles[profileName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", profileName)
	}

	base := &defaultConfig
	if profileName != "default" {
		if defaultProfile, ok := rootConfig.Profiles["default"]; ok {
			base = mergeConfigs(base, defaultProfile)
		}
	}
	cfg := mergeConfigs(base, selected)

	if err := finish(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config) error {
	applyEnvOverrides(cfg)
	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	return validate(cfg)
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(rootConfig.Profiles) == 0 {
		return nil, fmt.Errorf("profiles section is required and cannot be empty")
	}
	for name, p := range rootConfig.Profiles {
		if p == nil {
			return nil, fmt.Errorf("profiles.%s: profile is empty", name)
		}
	}
	if rootConfig.ActiveProfile != "" {
		if _, ok := rootConfig.Profiles[rootConfig.ActiveProfile]; !ok {
			return nil, fmt.Errorf("active_profile '%s' is not defined in profiles", rootConfig.ActiveProfile)
		}
	}

	return &rootConfig, nil
}

// UpdateActiveProfile updates the active_profile field in the config file
func UpdateActiveProfile(configFile, newActiveProfile string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return err
	}
	if _, ok := rootConfig.Profiles[newActiveProfile]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveProfile)
	}

	// Separate instance so that env overrides never end up in the file.
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_profile", newActiveProfile)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

// ProfileNames lists the profiles defined in configFile, sorted.
func ProfileNames(configFile string) ([]string, string, error) {
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, "", err
	}
	names := make([]string, 0, len(rootConfig.Profiles))
	for name := range rootConfig.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, rootConfig.ActiveProfile, nil
}

// mergeConfigs implements the "Selection & Fallback" model: every setting
// the profile sets wins, everything else falls back to base.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{Inheritance: make(map[string]string)}
	if base != nil {
		result.Recorder = base.Recorder
		result.Recorder.Sources = append([]string(nil), base.Recorder.Sources...)
		result.Recorder.Formats = append([]string(nil), base.Recorder.Formats...)
		result.Output = base.Output
		result.Transcriber = base.Transcriber
		result.Server = base.Server
		result.Server.AllowedOrigins = append([]string(nil), base.Server.AllowedOrigins...)
		result.Logging = base.Logging
	}

	for _, key := range settingKeys {
		result.Inheritance[key] = inherited
	}

	if profile == nil {
		return result
	}

	override := func(key string, set bool, apply func()) {
		if set {
			apply()
			result.Inheritance[key] = profileSpecific
		}
	}

	r, p := &result.Recorder, profile.Recorder
	override("recorder.backend", p.Backend != "", func() { r.Backend = p.Backend })
	override("recorder.ffmpeg_path", p.FFmpegPath != "", func() { r.FFmpegPath = p.FFmpegPath })
	override("recorder.input_format", p.InputFormat != "", func() { r.InputFormat = p.InputFormat })
	override("recorder.device", p.Device != "", func() { r.Device = p.Device })
	override("recorder.sources", len(p.Sources) > 0, func() { r.Sources = append([]string(nil), p.Sources...) })
	override("recorder.sample_rate", p.SampleRate != 0, func() { r.SampleRate = p.SampleRate })
	override("recorder.channels", p.Channels != 0, func() { r.Channels = p.Channels })
	override("recorder.chunk_size", p.ChunkSize != 0, func() { r.ChunkSize = p.ChunkSize })
	override("recorder.formats", len(p.Formats) > 0, func() { r.Formats = append([]string(nil), p.Formats...) })

	override("output.directory", profile.Output.Directory != "", func() { result.Output.Directory = profile.Output.Directory })

	t, pt := &result.Transcriber, profile.Transcriber
	override("transcriber.url", pt.URL != "", func() { t.URL = pt.URL })
	override("transcriber.model", pt.Model != "", func() { t.Model = pt.Model })
	override("transcriber.language", pt.Language != "", func() { t.Language = pt.Language })
	override("transcriber.api_key", pt.APIKey != "", func() { t.APIKey = pt.APIKey })
	override("transcriber.timeout", pt.Timeout != 0, func() { t.Timeout = pt.Timeout })
	// Preprocess: profile value always takes precedence if the profile is loaded
	override("transcriber.preprocess", true, func() { t.Preprocess = pt.Preprocess })

	override("server.host", profile.Server.Host != "", func() { result.Server.Host = profile.Server.Host })
	override("server.port", profile.Server.Port != 0, func() { result.Server.Port = profile.Server.Port })
	override("server.allowed_origins", len(profile.Server.AllowedOrigins) > 0, func() {
		result.Server.AllowedOrigins = append([]string(nil), profile.Server.AllowedOrigins...)
	})

	l, pl := &result.Logging, profile.Logging
	override("logging.file", pl.File != "", func() { l.File = pl.File })
	override("logging.max_size_mb", pl.MaxSizeMB != 0, func() { l.MaxSizeMB = pl.MaxSizeMB })
	override("logging.max_backups", pl.MaxBackups != 0, func() { l.MaxBackups = pl.MaxBackups })
	override("logging.max_age_days", pl.MaxAgeDays != 0, func() { l.MaxAgeDays = pl.MaxAgeDays })
	override("logging.compress", pl.Compress, func() { l.Compress = true })

	return result
}

var settingKeys = []string{
	"recorder.backend", "recorder.ffmpeg_path", "recorder.input_format", "recorder.device",
	"recorder.sources", "recorder.sample_rate", "recorder.channels", "recorder.chunk_size",
	"recorder.formats", "output.directory",
	"transcriber.url", "transcriber.model", "transcriber.language", "transcriber.api_key",
	"transcriber.timeout", "transcriber.preprocess",
	"server.host", "server.port", "server.allowed_origins",
	"logging.file", "logging.max_size_mb", "logging.max_backups", "logging.max_age_days", "logging.compress",
}

// applyEnvOverrides lets AUDIOTRANS_<SECTION>_<KEY> variables override the
// resolved profile, e.g. AUDIOTRANS_TRANSCRIBER_API_KEY.
func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("AUDIOTRANS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if s := v.GetString(key); s != "" {
			*dst = s
			cfg.Inheritance[key] = "environment"
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) && v.GetInt(key) != 0 {
			*dst = v.GetInt(key)
			cfg.Inheritance[key] = "environment"
		}
	}

	str("recorder.backend", &cfg.Recorder.Backend)
	str("recorder.ffmpeg_path", &cfg.Recorder.FFmpegPath)
	str("recorder.input_format", &cfg.Recorder.InputFormat)
	str("recorder.device", &cfg.Recorder.Device)
	str("output.directory", &cfg.Output.Directory)
	str("transcriber.url", &cfg.Transcriber.URL)
	str("transcriber.model", &cfg.Transcriber.Model)
	str("transcriber.language", &cfg.Transcriber.Language)
	str("transcriber.api_key", &cfg.Transcriber.APIKey)
	str("server.host", &cfg.Server.Host)
	num("server.port", &cfg.Server.Port)
	str("logging.file", &cfg.Logging.File)

	if v.IsSet("transcriber.timeout") {
		if d := v.GetDuration("transcriber.timeout"); d > 0 {
			cfg.Transcriber.Timeout = d
			cfg.Inheritance["transcriber.timeout"] = "environment"
		}
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}

func validate(cfg *Config) error {
	r := cfg.Recorder

	switch strings.ToLower(r.Backend) {
	case "auto", "ffmpeg", "pipewire":
	default:
		return fmt.Errorf("recorder.backend must be 'auto', 'ffmpeg' or 'pipewire', got: %s", r.Backend)
	}
	if r.FFmpegPath == "" {
		return fmt.Errorf("recorder.ffmpeg_path is required")
	}
	if r.SampleRate <= 0 {
		return fmt.Errorf("recorder.sample_rate must be > 0, got: %d", r.SampleRate)
	}
	if r.Channels != 1 && r.Channels != 2 {
		return fmt.Errorf("recorder.channels must be 1 or 2, got: %d", r.Channels)
	}
	if r.ChunkSize <= 0 {
		return fmt.Errorf("recorder.chunk_size must be > 0, got: %d", r.ChunkSize)
	}
	for i, f := range r.Formats {
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(f)), "audio/") {
			return fmt.Errorf("recorder.formats[%d] must be an audio mime type, got: %s", i, f)
		}
	}
	for i, source := range r.Sources {
		if !isValidAudioSource(source) {
			return fmt.Errorf("recorder.sources[%d] must be a valid audio source (JACK port), got: %s", i, source)
		}
	}
	if len(r.Sources) > r.Channels {
		return fmt.Errorf("recorder.sources has %d entries but recorder.channels is %d", len(r.Sources), r.Channels)
	}

	if cfg.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}

	if cfg.Transcriber.URL == "" {
		return fmt.Errorf("transcriber.url is required")
	}
	if !strings.HasPrefix(cfg.Transcriber.URL, "http://") && !strings.HasPrefix(cfg.Transcriber.URL, "https://") {
		return fmt.Errorf("transcriber.url must be an http(s) URL, got: %s", cfg.Transcriber.URL)
	}
	if cfg.Transcriber.Timeout < 0 {
		return fmt.Errorf("transcriber.timeout must be >= 0, got: %s", cfg.Transcriber.Timeout)
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got: %d", cfg.Server.Port)
	}

	for i, origin := range cfg.Server.AllowedOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("server.allowed_origins[%d] must be '*' or an http(s) origin, got: %s", i, origin)
		}
	}

	if cfg.Logging.MaxSizeMB < 0 || cfg.Logging.MaxBackups < 0 || cfg.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("logging rotation limits must be >= 0")
	}

	return nil
}

// isValidAudioSource checks a JACK/PipeWire port name: "device:port", where
// the device part may itself contain colons.
func isValidAudioSource(source string) bool {
	source = strings.TrimSpace(source)
	if source == "" {
		return false
	}

	i := strings.LastIndex(source, ":")
	if i == -1 {
		return false
	}
	device := strings.TrimSpace(source[:i])
	port := strings.TrimSpace(source[i+1:])
	return device != "" && port != ""
}
