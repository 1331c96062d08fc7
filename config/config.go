package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dhcgn/mbox-to-discourse/model"
)

// FileSection is the table read from a --config file.
const FileSection = "discourse_importer"

// Config captures all options required to run the importer.
type Config struct {
	ConfigFile     string
	MboxPath       string
	Address        string
	APIUsername    string
	APIKey         string
	VerifyTLS      bool
	Timeout        time.Duration
	FooterMarker   string
	ListTag        string
	SignOffs       []string
	ExcludeSenders []string
	RequireSender  string
	CategoryID     int
	SkipSubject    string
	IncludeHeader  []string
	IncludeBody    []string
	ExcludeHeader  []string
	ExcludeBody    []string
	Seed           uint64
	DryRun         bool
	StateDir       string
	StateRedisURL  string
	MetricsFile    string
	LogLevel       string
	LogDir         string
	Progress       bool

	// Warnings lists config file keys that were not recognised.
	Warnings []string
}

// fileKeyAliases maps config file keys of the original importer onto flags.
var fileKeyAliases = map[string]string{
	"mbox_path":         "mbox",
	"username":          "api-username",
	"list_footer_start": "footer-marker",
	"emails_ignore":     "exclude-sender",
	"emails_require":    "require-sender",
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("config", "", "Path to a TOML file with a [discourse_importer] table; flags override it")
	flags.String("mbox", "", "Path to the .mbox archive to import")
	flags.String("address", "", "Base address of the Discourse forum, e.g. https://forum.example.com")
	flags.String("api-username", "", "Discourse admin username the API key belongs to")
	flags.String("api-key", "", "Discourse API key (falls back to DISCOURSE_API_KEY env var)")
	flags.Bool("verify-tls", true, "Verify the forum's TLS certificate")
	flags.Duration("timeout", 30*time.Second, "Timeout of each forum API call")
	flags.String("footer-marker", "", "First line of the footer the mailing list appended to every post")
	flags.String("list-tag", "", "Subject tag to strip, e.g. \"[Zato-discuss]\"; default strips a leading [...] tag")
	flags.StringArray("sign-off", []string{"cheers,"}, "Informal closing that starts a signature (repeatable)")
	flags.StringArray("exclude-sender", nil, "Sender address never imported (repeatable)")
	flags.String("require-sender", "", "Substring every imported sender address must contain")
	flags.Int("category-id", 0, "Discourse category of created topics (0 = forum default)")
	flags.String("skip-subject", "", "Drop messages whose subject contains this text")
	flags.StringArray("include-header", nil, "Regex allow-list applied to raw record headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to raw record bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to raw record headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to raw record bodies (mutually exclusive with include flags)")
	flags.Uint64("seed", 0, "Seed for username collision suffixes (0 = random)")
	flags.Bool("dry-run", false, "Parse and reconcile without creating users or topics")
	flags.String("state-dir", "", "Directory of the replay journal used to resume interrupted imports")
	flags.String("state-redis", "", "Redis URL of the replay journal, instead of --state-dir")
	flags.String("metrics-file", "", "Write run counters to this node_exporter textfile")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.Bool("progress", true, "Show a progress bar during replay at info log level")
	return nil
}

// LoadConfig converts the parsed Cobra flags, and the optional config
// file, into a validated Config.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	configFile, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}

	var warnings []string
	if configFile != "" {
		if warnings, err = applyFile(flags, configFile); err != nil {
			return Config{}, fmt.Errorf("%w: %w", model.ErrConfiguration, err)
		}
	}

	cfg := Config{ConfigFile: configFile, Warnings: warnings}
	get := flagReader{flags: flags}
	cfg.MboxPath = get.str("mbox")
	cfg.Address = get.str("address")
	cfg.APIUsername = get.str("api-username")
	cfg.APIKey = get.str("api-key")
	cfg.VerifyTLS = get.boolean("verify-tls")
	cfg.Timeout = get.duration("timeout")
	cfg.FooterMarker = get.str("footer-marker")
	cfg.ListTag = get.str("list-tag")
	cfg.SignOffs = get.array("sign-off")
	cfg.ExcludeSenders = get.array("exclude-sender")
	cfg.RequireSender = get.str("require-sender")
	cfg.CategoryID = get.integer("category-id")
	cfg.SkipSubject = get.str("skip-subject")
	cfg.IncludeHeader = get.array("include-header")
	cfg.IncludeBody = get.array("include-body")
	cfg.ExcludeHeader = get.array("exclude-header")
	cfg.ExcludeBody = get.array("exclude-body")
	cfg.Seed = get.uint("seed")
	cfg.DryRun = get.boolean("dry-run")
	cfg.StateDir = get.str("state-dir")
	cfg.StateRedisURL = get.str("state-redis")
	cfg.MetricsFile = get.str("metrics-file")
	cfg.LogLevel = get.str("log-level")
	cfg.LogDir = get.str("log-dir")
	cfg.Progress = get.boolean("progress")
	if get.err != nil {
		return Config{}, get.err
	}

	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("DISCOURSE_API_KEY")
	}
	if cfg.MboxPath != "" {
		cfg.MboxPath = filepath.Clean(expandHome(cfg.MboxPath))
	}
	if cfg.StateDir != "" {
		cfg.StateDir = filepath.Clean(expandHome(cfg.StateDir))
	}
	cfg.Address = strings.TrimRight(strings.TrimSpace(cfg.Address), "/")

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", model.ErrConfiguration, err)
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.MboxPath == "" {
		return fmt.Errorf("--mbox is required")
	}
	if cfg.Address == "" {
		return fmt.Errorf("--address is required")
	}
	if !strings.HasPrefix(cfg.Address, "http://") && !strings.HasPrefix(cfg.Address, "https://") {
		return fmt.Errorf("--address must start with http:// or https://")
	}
	if cfg.APIUsername == "" {
		return fmt.Errorf("--api-username is required")
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("API key must be provided via --api-key or DISCOURSE_API_KEY env var")
	}
	if cfg.FooterMarker == "" {
		return fmt.Errorf("--footer-marker is required")
	}
	if cfg.CategoryID < 0 {
		return fmt.Errorf("--category-id must not be negative")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("--timeout must be positive")
	}
	if cfg.StateDir != "" && cfg.StateRedisURL != "" {
		return fmt.Errorf("--state-dir and --state-redis are mutually exclusive")
	}
	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

// applyFile sets every flag the command line left unset from the config
// file. Unknown keys are returned as warnings.
func applyFile(flags *pflag.FlagSet, path string) ([]string, error) {
	var doc map[string]map[string]any
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	section, ok := doc[FileSection]
	if !ok {
		return nil, fmt.Errorf("config file %s has no [%s] table", path, FileSection)
	}

	keys := make([]string, 0, len(section))
	for key := range section {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var warnings []string
	for _, key := range keys {
		name, alias := fileKeyAliases[key]
		if !alias {
			name = strings.ReplaceAll(key, "_", "-")
		}
		flag := flags.Lookup(name)
		if flag == nil || name == "config" {
			warnings = append(warnings, fmt.Sprintf("unknown key %q in [%s]", key, FileSection))
			continue
		}
		if flag.Changed {
			continue
		}

		values, err := fileValues(section[key])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		for _, v := range values {
			if err := flags.Set(name, v); err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
		}
	}
	return warnings, nil
}

func fileValues(v any) ([]string, error) {
	switch val := v.(type) {
	case string:
		return []string{val}, nil
	case bool:
		return []string{strconv.FormatBool(val)}, nil
	case int64:
		return []string{strconv.FormatInt(val, 10)}, nil
	case float64:
		return []string{strconv.FormatFloat(val, 'f', -1, 64)}, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, elem := range val {
			s, err := fileValues(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, s...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

type flagReader struct {
	flags *pflag.FlagSet
	err   error
}

func (r *flagReader) str(name string) string {
	v, err := r.flags.GetString(name)
	r.keep(err)
	return strings.TrimSpace(v)
}

func (r *flagReader) boolean(name string) bool {
	v, err := r.flags.GetBool(name)
	r.keep(err)
	return v
}

func (r *flagReader) integer(name string) int {
	v, err := r.flags.GetInt(name)
	r.keep(err)
	return v
}

func (r *flagReader) uint(name string) uint64 {
	v, err := r.flags.GetUint64(name)
	r.keep(err)
	return v
}

func (r *flagReader) duration(name string) time.Duration {
	v, err := r.flags.GetDuration(name)
	r.keep(err)
	return v
}

func (r *flagReader) array(name string) []string {
	v, err := r.flags.GetStringArray(name)
	r.keep(err)
	return v
}

func (r *flagReader) keep(err error) {
	if err != nil && r.err == nil {
		r.err = err
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
