// Package config loads and validates the client configuration. Options
// come from a config file with environment overrides; validation happens
// before anything is spawned, so a bad configuration never reaches an
// engine or the server.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"

	"github.com/poonpunokok/gtp2ogs/policy"
)

// ErrInvalid marks a configuration rejected by Validate. Fatal, pre-run.
var ErrInvalid = errors.New("config: invalid")

// SpeedSettings mirrors the per-speed admission limits as configured.
// Ranges are two-element [min, max] slices; absent ranges are unbounded.
type SpeedSettings struct {
	ConcurrentGames  int   `mapstructure:"concurrent_games"`
	PerMoveTimeRange []int `mapstructure:"per_move_time_range"`
	MainTimeRange    []int `mapstructure:"main_time_range"`
	PeriodsRange     []int `mapstructure:"periods_range"`
}

// Config is the recognized option surface.
type Config struct {
	// Auth.
	Username string `mapstructure:"username"`
	APIKey   string `mapstructure:"apikey"`
	Hidden   bool   `mapstructure:"hidden"`

	// Server endpoints.
	ServerURL string `mapstructure:"server_url"`
	RestURL   string `mapstructure:"rest_url"`

	// Engines.
	BotCommand   []string `mapstructure:"bot_command"`
	OpeningBot   []string `mapstructure:"opening_bot"`
	EndingBot    []string `mapstructure:"ending_bot"`
	ResignBot    []string `mapstructure:"resign_bot"`
	BotInstances int      `mapstructure:"bot_instances"`

	// Bridge behavior.
	JSON          bool `mapstructure:"json"`
	NoClock       bool `mapstructure:"noclock"`
	StartupBuffer int  `mapstructure:"startupbuffer"` // milliseconds
	ShowBoard     bool `mapstructure:"showboard"`
	OGSPV         bool `mapstructure:"ogspv"`
	AIChat        bool `mapstructure:"aichat"`

	// Logging.
	Debug     bool `mapstructure:"debug"`
	Verbosity int  `mapstructure:"verbosity"`

	// Admission.
	AllowHandicap             bool     `mapstructure:"allow_handicap"`
	AllowUnranked             bool     `mapstructure:"allow_unranked"`
	AllowedTimeControlSystems []string `mapstructure:"allowed_time_control_systems"`
	Blacklist                 []string `mapstructure:"blacklist"`
	Whitelist                 []string `mapstructure:"whitelist"`

	Blitz          *SpeedSettings `mapstructure:"allowed_blitz_settings"`
	Live           *SpeedSettings `mapstructure:"allowed_live_settings"`
	Correspondence *SpeedSettings `mapstructure:"allowed_correspondence_settings"`

	// AllowedBoardSizes is parsed separately: "all", "square", or a list
	// of square side lengths.
	BoardSizes policy.BoardSizes `mapstructure:"-"`
}

// Load reads the config file at path (optional when overrides cover
// everything) and applies GTP2OGS_* environment overrides. Callers
// apply their own overrides (flags) and then Validate.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GTP2OGS")
	v.AutomaticEnv()

	v.SetDefault("server_url", "wss://online-go.com/socket")
	v.SetDefault("rest_url", "https://online-go.com/api/v1")
	v.SetDefault("allowed_board_sizes", "square")
	v.SetDefault("startupbuffer", 5000)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	sizes, err := ParseBoardSizes(v.Get("allowed_board_sizes"))
	if err != nil {
		return nil, err
	}
	cfg.BoardSizes = sizes
	return &cfg, nil
}

// ParseBoardSizes interprets the allowed_board_sizes option: the strings
// "all" and "square", or a list of integer side lengths.
func ParseBoardSizes(raw any) (policy.BoardSizes, error) {
	switch v := raw.(type) {
	case nil:
		return policy.BoardSizes{Mode: policy.BoardSizesSquare}, nil
	case string:
		switch v {
		case "all":
			return policy.BoardSizes{Mode: policy.BoardSizesAll}, nil
		case "square":
			return policy.BoardSizes{Mode: policy.BoardSizesSquare}, nil
		default:
			return policy.BoardSizes{}, fmt.Errorf("%w: allowed_board_sizes: unknown mode %q", ErrInvalid, v)
		}
	case []any:
		sizes := make([]int, 0, len(v))
		for _, item := range v {
			n, ok := toInt(item)
			if !ok || n < 1 || n > 25 {
				return policy.BoardSizes{}, fmt.Errorf("%w: allowed_board_sizes: bad size %v", ErrInvalid, item)
			}
			sizes = append(sizes, n)
		}
		if len(sizes) == 0 {
			return policy.BoardSizes{}, fmt.Errorf("%w: allowed_board_sizes: empty list", ErrInvalid)
		}
		return policy.BoardSizes{Mode: policy.BoardSizesList, Sizes: sizes}, nil
	case []int:
		return ParseBoardSizes(toAnySlice(v))
	default:
		return policy.BoardSizes{}, fmt.Errorf("%w: allowed_board_sizes: unsupported value %v", ErrInvalid, raw)
	}
}

// Validate checks everything that must hold before startup.
func (c *Config) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalid)
	}
	if c.APIKey == "" {
		return fmt.Errorf("%w: apikey is required", ErrInvalid)
	}
	if len(c.BotCommand) == 0 {
		return fmt.Errorf("%w: bot_command is required", ErrInvalid)
	}
	if c.Blitz == nil && c.Live == nil && c.Correspondence == nil {
		return fmt.Errorf("%w: at least one allowed_{blitz,live,correspondence}_settings section is required", ErrInvalid)
	}
	for name, s := range map[string]*SpeedSettings{
		"allowed_blitz_settings":          c.Blitz,
		"allowed_live_settings":           c.Live,
		"allowed_correspondence_settings": c.Correspondence,
	} {
		if s == nil {
			continue
		}
		if s.ConcurrentGames < 1 {
			return fmt.Errorf("%w: %s.concurrent_games must be >= 1", ErrInvalid, name)
		}
		for field, r := range map[string][]int{
			"per_move_time_range": s.PerMoveTimeRange,
			"main_time_range":     s.MainTimeRange,
			"periods_range":       s.PeriodsRange,
		} {
			if len(r) == 0 {
				continue
			}
			if len(r) != 2 || r[0] > r[1] || r[0] < 0 {
				return fmt.Errorf("%w: %s.%s must be [min, max] with 0 <= min <= max", ErrInvalid, name, field)
			}
		}
	}
	if c.StartupBuffer < 0 {
		return fmt.Errorf("%w: startupbuffer must be >= 0", ErrInvalid)
	}
	if c.BotInstances < 0 {
		return fmt.Errorf("%w: bot_instances must be >= 0", ErrInvalid)
	}
	return nil
}

// Policy converts the configured rules into the admission policy's form.
func (c *Config) Policy() policy.Config {
	return policy.Config{
		Blacklist:           c.Blacklist,
		Whitelist:           c.Whitelist,
		AllowedTimeControls: c.AllowedTimeControlSystems,
		AllowedBoardSizes:   c.BoardSizes,
		AllowHandicap:       c.AllowHandicap,
		AllowUnranked:       c.AllowUnranked,
		Blitz:               toPolicySpeed(c.Blitz),
		Live:                toPolicySpeed(c.Live),
		Correspondence:      toPolicySpeed(c.Correspondence),
	}
}

// MainPoolSize is the number of main-engine instances: an explicit
// bot_instances, or enough to serve every concurrent game the admission
// limits permit.
func (c *Config) MainPoolSize() int {
	if c.BotInstances > 0 {
		return c.BotInstances
	}
	n := 0
	for _, s := range []*SpeedSettings{c.Blitz, c.Live, c.Correspondence} {
		if s != nil {
			n += s.ConcurrentGames
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

// StartupBufferDuration returns the first-move startup buffer.
func (c *Config) StartupBufferDuration() time.Duration {
	return time.Duration(c.StartupBuffer) * time.Millisecond
}

func toPolicySpeed(s *SpeedSettings) *policy.SpeedSettings {
	if s == nil {
		return nil
	}
	return &policy.SpeedSettings{
		ConcurrentGames: s.ConcurrentGames,
		PerMoveTime:     toRange(s.PerMoveTimeRange),
		MainTime:        toRange(s.MainTimeRange),
		Periods:         toRange(s.PeriodsRange),
	}
}

// toRange converts a [min, max] slice; an absent range is unbounded.
func toRange(r []int) policy.Range {
	if len(r) != 2 {
		return policy.Range{Min: 0, Max: math.MaxInt}
	}
	return policy.Range{Min: r[0], Max: r[1]}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func toAnySlice(in []int) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
