package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	rt "github.com/MrWong99/voicelink/pkg/provider/realtime"
)

// EnvAPIKey names the environment variable that supplies provider API keys
// left empty in the file.
const EnvAPIKey = "VOICELINK_API_KEY"

// ValidProviderNames lists the realtime providers built into voicelink.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai-realtime", "mock"}

// validModalities are the response modalities the engine can request.
var validModalities = []string{"text", "audio"}

// Load reads the YAML configuration file at path, applies the environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. It does not consult the environment. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv fills empty provider API keys from [EnvAPIKey] using lookup
// (normally os.LookupEnv).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	key, ok := lookup(EnvAPIKey)
	if !ok || key == "" {
		return
	}
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	for i := range cfg.Fallbacks {
		if cfg.Fallbacks[i].APIKey == "" {
			cfg.Fallbacks[i].APIKey = key
		}
	}
}

// ApplyDefaults fills zero values outside the engine tuning block, which
// takes its defaults in [RealtimeConfig.EngineConfig].
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "openai-realtime"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Providers
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	}
	validateProviderName("provider", cfg.Provider)
	seen := map[string]string{providerKey(cfg.Provider): "provider"}
	for i, fb := range cfg.Fallbacks {
		prefix := fmt.Sprintf("fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		key := providerKey(fb)
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("%s duplicates %s", prefix, prev))
		}
		seen[key] = prefix
		validateProviderName(prefix, fb)
	}

	errs = append(errs, validateRealtime(&cfg.Realtime)...)

	// Reconnect
	rc := cfg.Reconnect
	if rc.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_retries %d must not be negative", rc.MaxRetries))
	}
	if rc.Backoff < 0 || rc.MaxBackoff < 0 || rc.BreakerReset < 0 {
		errs = append(errs, errors.New("reconnect durations must not be negative"))
	}
	if rc.Backoff > 0 && rc.MaxBackoff > 0 && rc.MaxBackoff < rc.Backoff {
		errs = append(errs, fmt.Errorf("reconnect.max_backoff %v is below reconnect.backoff %v", rc.MaxBackoff, rc.Backoff))
	}
	if rc.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("reconnect.breaker_failures %d must not be negative", rc.BreakerFailures))
	}

	if cfg.Transcript.PostgresDSN != "" && cfg.Transcript.File != "" {
		slog.Warn("transcript.file is ignored because transcript.postgres_dsn is set")
	}
	if cfg.Transcript.PostgresDSN == "" && cfg.Transcript.File == "" {
		slog.Debug("no transcript store configured; finished turns are kept in memory only")
	}

	return errors.Join(errs...)
}

// providerKey identifies an endpoint; two entries with the same key would
// share a circuit breaker and dial the same place.
func providerKey(e ProviderEntry) string {
	return e.Name + "|" + e.BaseURL + "|" + e.Model
}

func validateRealtime(c *RealtimeConfig) []error {
	var errs []error
	const p = "realtime"

	if c.SampleRate != 0 && (c.SampleRate < 8000 || c.SampleRate > 48000) {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d is out of range [8000, 48000]", p, c.SampleRate))
	}
	if c.MinChunkBytes < 0 {
		errs = append(errs, fmt.Errorf("%s.min_chunk_bytes %d must not be negative", p, c.MinChunkBytes))
	}
	for name, d := range map[string]int64{
		"flush_interval":       int64(c.FlushInterval),
		"min_commit":           int64(c.MinCommit),
		"tail_padding":         int64(c.TailPadding),
		"grace_period":         int64(c.GracePeriod),
		"gate.log_every":       int64(c.Gate.LogEvery),
		"vad.prefix_padding":   int64(c.VAD.PrefixPadding),
		"vad.silence_duration": int64(c.VAD.SilenceDuration),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s.%s must not be negative", p, name))
		}
	}

	if c.Gate.Threshold < 0 || c.Gate.Threshold > 1 {
		errs = append(errs, fmt.Errorf("%s.gate.threshold %.4f is out of range [0, 1]", p, c.Gate.Threshold))
	}
	if c.Gate.Floor < 0 || c.Gate.Floor > 1 {
		errs = append(errs, fmt.Errorf("%s.gate.floor %.4f is out of range [0, 1]", p, c.Gate.Floor))
	}
	if c.Gate.Threshold > 0 && c.Gate.Floor > c.Gate.Threshold {
		errs = append(errs, fmt.Errorf("%s.gate.floor %.4f is above gate.threshold %.4f", p, c.Gate.Floor, c.Gate.Threshold))
	}
	if c.Gate.WarmupFrames != nil && *c.Gate.WarmupFrames < 0 {
		errs = append(errs, fmt.Errorf("%s.gate.warmup_frames %d must not be negative", p, *c.Gate.WarmupFrames))
	}

	if c.TurnDetection != "" && !c.TurnDetection.IsValid() {
		errs = append(errs, fmt.Errorf("%s.turn_detection %q is invalid; valid values: %s, %s", p, c.TurnDetection, rt.TurnDetectionServerVAD, rt.TurnDetectionNone))
	}
	if c.VAD.Threshold < 0 || c.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("%s.vad.threshold %.2f is out of range [0, 1]", p, c.VAD.Threshold))
	}
	for i, m := range c.Modalities {
		if !slices.Contains(validModalities, m) {
			errs = append(errs, fmt.Errorf("%s.modalities[%d] %q is invalid; valid values: text, audio", p, i, m))
		}
	}
	return errs
}

// validateProviderName logs a warning if the entry names a provider that is
// not built in, and when a hosted provider has no API key.
func validateProviderName(field string, e ProviderEntry) {
	if e.Name == "" {
		return
	}
	if !slices.Contains(ValidProviderNames, e.Name) {
		slog.Warn("unknown provider name; may be a typo or third-party provider",
			"field", field,
			"name", e.Name,
			"known", ValidProviderNames,
		)
		return
	}
	if e.Name == "openai-realtime" && e.APIKey == "" {
		slog.Warn("provider has no API key; set api_key or "+EnvAPIKey, "field", field, "name", e.Name)
	}
}
