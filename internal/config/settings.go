package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"argus/internal/analysis"
)

// Settings is the flat environment namespace consumed at process start.
//
// Every knob has a default; the environment overrides it; cobra flags override
// both. Durations are expressed in seconds on the wire, as time.Duration here.
type Settings struct {
	// Executor.
	TaskPollInterval time.Duration `mapstructure:"task_poll_interval"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`

	PreflightMaxRetries int `mapstructure:"preflight_max_retries"`
	TransientMaxRetries int `mapstructure:"transient_failure_max_retries"`

	// Per-kind dispatch timeouts.
	StaticAnalysisTimeout      time.Duration `mapstructure:"static_analysis_timeout"`
	SecurityAnalysisTimeout    time.Duration `mapstructure:"security_analysis_timeout"`
	PerformanceAnalysisTimeout time.Duration `mapstructure:"performance_analysis_timeout"`
	DynamicAnalysisTimeout     time.Duration `mapstructure:"dynamic_analysis_timeout"`
	AIAnalysisTimeout          time.Duration `mapstructure:"ai_analysis_timeout"`

	AnalyzerStartupTimeout time.Duration `mapstructure:"analyzer_startup_timeout"`

	// Docker driver.
	DockerBuildMaxRetries    int           `mapstructure:"docker_build_max_retries"`
	DockerHealthCheckTimeout time.Duration `mapstructure:"docker_health_check_timeout"`
	DockerPreBuildCleanup    bool          `mapstructure:"docker_pre_build_cleanup"`

	// Analyzer replica endpoints, one comma-separated URL list per kind.
	StaticEndpoints      []string `mapstructure:"static_analyzer_urls"`
	DynamicEndpoints     []string `mapstructure:"dynamic_analyzer_urls"`
	PerformanceEndpoints []string `mapstructure:"performance_analyzer_urls"`
	AIEndpoints          []string `mapstructure:"ai_analyzer_urls"`

	// Endpoint selection: least-loaded, round-robin or random.
	PoolPolicy string `mapstructure:"pool_selection_policy"`

	// Maintenance.
	ReaperInterval      time.Duration `mapstructure:"reaper_interval"`
	StuckTaskThreshold  time.Duration `mapstructure:"stuck_task_threshold"`
	StuckTaskHardLimit  time.Duration `mapstructure:"stuck_task_hard_limit"`
	StuckMaxRetries     int           `mapstructure:"stuck_max_retries"`
	OrphanSweepInterval time.Duration `mapstructure:"orphan_sweep_interval"`
	OrphanGracePeriod   time.Duration `mapstructure:"orphan_grace_period"`
	ReconcileInterval   time.Duration `mapstructure:"reconcile_interval"`

	// Stores.
	DatabaseURL string `mapstructure:"database_url"`
	ResultsRoot string `mapstructure:"results_root"`
	AppsRoot    string `mapstructure:"apps_root"`

	// Admin server.
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`

	LogLevel string `mapstructure:"log_level"`
}

// Defaults returns the settings used when no environment is present.
func Defaults() Settings {
	return Settings{
		TaskPollInterval:           10 * time.Second,
		TaskTimeout:                1800 * time.Second,
		PreflightMaxRetries:        3,
		TransientMaxRetries:        3,
		StaticAnalysisTimeout:      1800 * time.Second,
		SecurityAnalysisTimeout:    1800 * time.Second,
		PerformanceAnalysisTimeout: 1800 * time.Second,
		DynamicAnalysisTimeout:     1800 * time.Second,
		AIAnalysisTimeout:          2400 * time.Second,
		AnalyzerStartupTimeout:     60 * time.Second,
		DockerBuildMaxRetries:      3,
		DockerHealthCheckTimeout:   60 * time.Second,
		DockerPreBuildCleanup:      true,
		ReaperInterval:             5 * time.Minute,
		StuckTaskThreshold:         15 * time.Minute,
		StuckTaskHardLimit:         2 * time.Hour,
		StuckMaxRetries:            3,
		OrphanSweepInterval:        1 * time.Hour,
		OrphanGracePeriod:          7 * 24 * time.Hour,
		ReconcileInterval:          30 * time.Minute,
		PoolPolicy:                 "least-loaded",
		ResultsRoot:                "results",
		AppsRoot:                   "apps",
		ServerHost:                 "0.0.0.0",
		ServerPort:                 8090,
		LogLevel:                   "info",
	}
}

// Load reads settings from the environment on top of defaults.
// Interval-valued keys are integer seconds on the wire.
func Load() (Settings, error) {
	v := viper.New()
	v.AutomaticEnv()

	defaults := Defaults()
	v.SetDefault("task_poll_interval", int(defaults.TaskPollInterval.Seconds()))
	v.SetDefault("task_timeout", int(defaults.TaskTimeout.Seconds()))
	v.SetDefault("preflight_max_retries", defaults.PreflightMaxRetries)
	v.SetDefault("transient_failure_max_retries", defaults.TransientMaxRetries)
	v.SetDefault("static_analysis_timeout", int(defaults.StaticAnalysisTimeout.Seconds()))
	v.SetDefault("security_analysis_timeout", int(defaults.SecurityAnalysisTimeout.Seconds()))
	v.SetDefault("performance_analysis_timeout", int(defaults.PerformanceAnalysisTimeout.Seconds()))
	v.SetDefault("dynamic_analysis_timeout", int(defaults.DynamicAnalysisTimeout.Seconds()))
	v.SetDefault("ai_analysis_timeout", int(defaults.AIAnalysisTimeout.Seconds()))
	v.SetDefault("analyzer_startup_timeout", int(defaults.AnalyzerStartupTimeout.Seconds()))
	v.SetDefault("docker_build_max_retries", defaults.DockerBuildMaxRetries)
	v.SetDefault("docker_health_check_timeout", int(defaults.DockerHealthCheckTimeout.Seconds()))
	v.SetDefault("docker_pre_build_cleanup", defaults.DockerPreBuildCleanup)
	v.SetDefault("reaper_interval", int(defaults.ReaperInterval.Seconds()))
	v.SetDefault("stuck_task_threshold", int(defaults.StuckTaskThreshold.Seconds()))
	v.SetDefault("stuck_task_hard_limit", int(defaults.StuckTaskHardLimit.Seconds()))
	v.SetDefault("stuck_max_retries", defaults.StuckMaxRetries)
	v.SetDefault("orphan_sweep_interval", int(defaults.OrphanSweepInterval.Seconds()))
	v.SetDefault("orphan_grace_period", int(defaults.OrphanGracePeriod.Seconds()))
	v.SetDefault("reconcile_interval", int(defaults.ReconcileInterval.Seconds()))
	v.SetDefault("pool_selection_policy", defaults.PoolPolicy)
	v.SetDefault("results_root", defaults.ResultsRoot)
	v.SetDefault("apps_root", defaults.AppsRoot)
	v.SetDefault("server_host", defaults.ServerHost)
	v.SetDefault("server_port", defaults.ServerPort)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("database_url", "")
	v.SetDefault("static_analyzer_urls", "")
	v.SetDefault("dynamic_analyzer_urls", "")
	v.SetDefault("performance_analyzer_urls", "")
	v.SetDefault("ai_analyzer_urls", "")

	s := Settings{
		TaskPollInterval:           time.Duration(v.GetInt("task_poll_interval")) * time.Second,
		TaskTimeout:                time.Duration(v.GetInt("task_timeout")) * time.Second,
		PreflightMaxRetries:        v.GetInt("preflight_max_retries"),
		TransientMaxRetries:        v.GetInt("transient_failure_max_retries"),
		StaticAnalysisTimeout:      time.Duration(v.GetInt("static_analysis_timeout")) * time.Second,
		SecurityAnalysisTimeout:    time.Duration(v.GetInt("security_analysis_timeout")) * time.Second,
		PerformanceAnalysisTimeout: time.Duration(v.GetInt("performance_analysis_timeout")) * time.Second,
		DynamicAnalysisTimeout:     time.Duration(v.GetInt("dynamic_analysis_timeout")) * time.Second,
		AIAnalysisTimeout:          time.Duration(v.GetInt("ai_analysis_timeout")) * time.Second,
		AnalyzerStartupTimeout:     time.Duration(v.GetInt("analyzer_startup_timeout")) * time.Second,
		DockerBuildMaxRetries:      v.GetInt("docker_build_max_retries"),
		DockerHealthCheckTimeout:   time.Duration(v.GetInt("docker_health_check_timeout")) * time.Second,
		DockerPreBuildCleanup:      v.GetBool("docker_pre_build_cleanup"),
		StaticEndpoints:            SplitURLList(v.GetString("static_analyzer_urls")),
		DynamicEndpoints:           SplitURLList(v.GetString("dynamic_analyzer_urls")),
		PerformanceEndpoints:       SplitURLList(v.GetString("performance_analyzer_urls")),
		AIEndpoints:                SplitURLList(v.GetString("ai_analyzer_urls")),
		ReaperInterval:             time.Duration(v.GetInt("reaper_interval")) * time.Second,
		StuckTaskThreshold:         time.Duration(v.GetInt("stuck_task_threshold")) * time.Second,
		StuckTaskHardLimit:         time.Duration(v.GetInt("stuck_task_hard_limit")) * time.Second,
		StuckMaxRetries:            v.GetInt("stuck_max_retries"),
		OrphanSweepInterval:        time.Duration(v.GetInt("orphan_sweep_interval")) * time.Second,
		OrphanGracePeriod:          time.Duration(v.GetInt("orphan_grace_period")) * time.Second,
		ReconcileInterval:          time.Duration(v.GetInt("reconcile_interval")) * time.Second,
		PoolPolicy:                 v.GetString("pool_selection_policy"),
		DatabaseURL:                v.GetString("database_url"),
		ResultsRoot:                v.GetString("results_root"),
		AppsRoot:                   v.GetString("apps_root"),
		ServerHost:                 v.GetString("server_host"),
		ServerPort:                 v.GetInt("server_port"),
		LogLevel:                   v.GetString("log_level"),
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings an operator cannot have meant.
func (s Settings) Validate() error {
	if s.TaskPollInterval <= 0 {
		return errors.New("task poll interval must be positive")
	}
	if s.TaskTimeout <= 0 {
		return errors.New("task timeout must be positive")
	}
	if s.PreflightMaxRetries < 0 || s.TransientMaxRetries < 0 || s.StuckMaxRetries < 0 {
		return errors.New("retry budgets must be non-negative")
	}
	if s.DockerBuildMaxRetries < 0 {
		return errors.New("docker build retry budget must be non-negative")
	}
	if s.StuckTaskHardLimit < s.StuckTaskThreshold {
		return fmt.Errorf("stuck hard limit %s below reaper threshold %s", s.StuckTaskHardLimit, s.StuckTaskThreshold)
	}
	if s.ServerPort <= 0 || s.ServerPort > 65535 {
		return fmt.Errorf("server port %d out of range", s.ServerPort)
	}
	switch s.PoolPolicy {
	case "", "least-loaded", "round-robin", "random":
	default:
		return fmt.Errorf("unknown pool selection policy %q", s.PoolPolicy)
	}
	return nil
}

// DispatchTimeout returns the per-kind dispatch timeout for a requested kind.
func (s Settings) DispatchTimeout(kind analysis.Kind) time.Duration {
	switch kind {
	case analysis.KindStatic:
		return s.StaticAnalysisTimeout
	case analysis.KindSecurity:
		return s.SecurityAnalysisTimeout
	case analysis.KindPerformance:
		return s.PerformanceAnalysisTimeout
	case analysis.KindDynamic:
		return s.DynamicAnalysisTimeout
	case analysis.KindAI:
		return s.AIAnalysisTimeout
	default:
		return s.TaskTimeout
	}
}

// Endpoints returns the configured replica URLs for an analyzer kind.
func (s Settings) Endpoints(kind analysis.Kind) []string {
	switch kind {
	case analysis.KindStatic, analysis.KindSecurity:
		return s.StaticEndpoints
	case analysis.KindDynamic:
		return s.DynamicEndpoints
	case analysis.KindPerformance:
		return s.PerformanceEndpoints
	case analysis.KindAI:
		return s.AIEndpoints
	default:
		return nil
	}
}

// SplitURLList parses a comma-separated endpoint list, dropping empties.
func SplitURLList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			urls = append(urls, strings.TrimRight(trimmed, "/"))
		}
	}
	return urls
}
