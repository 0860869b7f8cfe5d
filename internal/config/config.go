package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerCfg struct {
	Listen         string `yaml:"listen"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
	// TrustedProxies lists the proxy networks (CIDRs) whose
	// X-Forwarded-For header is honored for client-IP extraction. Empty
	// means XFF is never trusted and the immediate peer address is used.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type AuthCfg struct {
	// RequireRootAuth makes the root path ("/") subject to authentication.
	// By default root is exempt so unauthenticated clients can load the app shell.
	RequireRootAuth bool     `yaml:"require_root_auth"`
	ExcludedRoutes  []string `yaml:"excluded_routes"`
	// FailedAuthStatus is only used by the sample app in cmd; the gateway
	// itself delegates failures to the handler supplied in code.
	FailedAuthStatus int `yaml:"failed_auth_status"`
}

type SessionCfg struct {
	CookieName        string `yaml:"cookie_name"`
	CookiePath        string `yaml:"cookie_path"`
	InsecureCookie    bool   `yaml:"insecure_cookie"` // cookies are Secure unless set
	IdleTimeoutSec    int    `yaml:"idle_timeout_sec"`
	RefreshSec        int    `yaml:"refresh_sec"`
	AbsoluteExpirySec int    `yaml:"absolute_expiry_sec"`
	JSONPrefixing     *bool  `yaml:"json_prefixing"` // default true
}

type CSRFCfg struct {
	Disabled   bool   `yaml:"disabled"`
	CookieName string `yaml:"cookie_name"`
	HeaderName string `yaml:"header_name"`
}

type CSPCfg struct {
	ReportOnly  bool     `yaml:"report_only"`
	ReportRoute string   `yaml:"report_route"`
	ProxyPrefix string   `yaml:"proxy_prefix"`
	File        string   `yaml:"file"`      // seed policy, relative to project_dir
	LiveFile    string   `yaml:"live_file"` // merge target, relative to project_dir
	SelfOrigins []string `yaml:"self_origins"`
	QueueSize   int      `yaml:"queue_size"`
	ReportRPS   float64  `yaml:"report_rps"` // per-IP throttle on the report route; 0 disables
}

type HeadersCfg struct {
	DisableFrameguard bool `yaml:"disable_frameguard"`
}

type LoggingCfg struct {
	Level string `yaml:"level"` // info|debug
}

type Config struct {
	Server     ServerCfg  `yaml:"server"`
	ProjectDir string     `yaml:"project_dir"`
	KeyPath    string     `yaml:"key_path"`
	Auth       AuthCfg    `yaml:"auth"`
	Session    SessionCfg `yaml:"session"`
	CSRF       CSRFCfg    `yaml:"csrf"`
	CSP        CSPCfg     `yaml:"csp"`
	Headers    HeadersCfg `yaml:"headers"`
	Logging    LoggingCfg `yaml:"logging"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.ProjectDir == "" {
		c.ProjectDir = "."
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "csession"
	}
	if c.Session.CookiePath == "" {
		c.Session.CookiePath = "/"
	}
	if c.Session.IdleTimeoutSec == 0 {
		c.Session.IdleTimeoutSec = 1200 // 20 minutes
	}
	if c.Session.RefreshSec == 0 {
		c.Session.RefreshSec = 600 // 10 minutes
	}
	if c.Session.AbsoluteExpirySec == 0 {
		c.Session.AbsoluteExpirySec = 21600 // 6 hours
	}
	if c.Session.JSONPrefixing == nil {
		t := true
		c.Session.JSONPrefixing = &t
	}
	if c.CSRF.CookieName == "" {
		c.CSRF.CookieName = "XSRF-TOKEN"
	}
	if c.CSRF.HeaderName == "" {
		c.CSRF.HeaderName = "X-XSRF-TOKEN"
	}
	if c.CSP.ReportRoute == "" {
		c.CSP.ReportRoute = "/reporting"
	}
	if c.CSP.File == "" {
		c.CSP.File = "csp.json"
	}
	if c.CSP.LiveFile == "" {
		c.CSP.LiveFile = "newcsp.json"
	}
	if c.CSP.QueueSize == 0 {
		c.CSP.QueueSize = 256
	}
	if c.Auth.FailedAuthStatus == 0 {
		c.Auth.FailedAuthStatus = 401
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutSec) * time.Second
}

func (c *Config) RefreshWindow() time.Duration {
	return time.Duration(c.Session.RefreshSec) * time.Second
}

func (c *Config) AbsoluteExpiry() time.Duration {
	return time.Duration(c.Session.AbsoluteExpirySec) * time.Second
}

// ReportURI is the value advertised in the policy's report-uri directive.
func (c *Config) ReportURI() string {
	return c.CSP.ProxyPrefix + c.CSP.ReportRoute
}

func (c *Config) Validate() error {
	if c.KeyPath == "" {
		return errors.New("key_path is required")
	}
	if !strings.HasPrefix(c.CSP.ReportRoute, "/") {
		return fmt.Errorf("csp.report_route must start with '/': %q", c.CSP.ReportRoute)
	}
	if c.CSP.QueueSize < 1 {
		return errors.New("csp.queue_size must be >= 1")
	}
	if c.CSP.ReportRPS < 0 {
		return errors.New("csp.report_rps must be >= 0")
	}
	if c.Session.IdleTimeoutSec < 0 || c.Session.RefreshSec < 0 || c.Session.AbsoluteExpirySec < 0 {
		return errors.New("session timeouts must be non-negative")
	}
	if c.Session.RefreshSec > c.Session.IdleTimeoutSec {
		return errors.New("session.refresh_sec must be <= idle_timeout_sec")
	}
	switch c.Logging.Level {
	case "info", "debug":
	default:
		return fmt.Errorf("logging.level must be 'info' or 'debug': %q", c.Logging.Level)
	}
	return nil
}
