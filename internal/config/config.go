package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the voxgate gateway.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	// SIP / telephony.
	SIPPort       int
	TrunkGateway  string // host[:port] of the SIP trunk used for call transfer and campaign dialing
	TrunkUsername string
	TrunkPassword string

	// Media server (the endpoint/playback collaborator).
	MediaAddr   string // host:port of the media server control socket
	MediaSecret string

	// Conversational agent.
	AgentProject         string
	AgentLang            string
	AgentCredentials     string // path to service-account JSON, loaded once at startup
	InboundWelcomeEvent  string
	OutboundWelcomeEvent string
	NoInputTimeout       time.Duration // 0 disables the no-input reprompt timer
	InterDigitTimeout    time.Duration
	CollectDTMFAlways    bool
	BargePhrase          string
	FillerSound          string // audio file played while the agent is "thinking"

	// Console HTTP server.
	HTTPPort         int
	AuthUsername     string
	AuthPasswordHash string // bcrypt hash of the console password
	JWTSecret        string

	// Outbound calling campaign (Google Sheet driven).
	SpreadsheetID    string
	SheetCredentials string // path to OAuth/service-account JSON for the Sheets API
	SheetPoll        time.Duration
	DialsPerMinute   int
	CampaignCallerID string // caller id presented on campaign dials, also the SMS sender

	// Carrier integrations (optional).
	LookupBaseURL    string
	LookupAccountSID string
	LookupAuthToken  string
	SMSBaseURL       string
	SMSAccount       string
	SMSUsername      string
	SMSPassword      string
	SMSFollowUp      string // text sent to the customer after a completed campaign call

	DataDir   string
	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultSIPPort           = 5060
	defaultHTTPPort          = 3001
	defaultDataDir           = "./data"
	defaultMediaAddr         = "127.0.0.1:8021"
	defaultMediaSecret       = "ClueCon"
	defaultAgentLang         = "en-US"
	defaultInterDigitTimeout = 3 * time.Second
	defaultSheetPoll         = 30 * time.Second
	defaultDialsPerMinute    = 6
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
)

// envPrefix is the prefix for all voxgate environment variables.
const envPrefix = "VOXGATE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voxgate", flag.ContinueOnError)

	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.StringVar(&cfg.TrunkGateway, "trunk-gateway", "", "SIP trunk gateway host[:port]; empty disables call transfer and campaign dialing")
	fs.StringVar(&cfg.TrunkUsername, "trunk-username", "", "SIP trunk auth username")
	fs.StringVar(&cfg.TrunkPassword, "trunk-password", "", "SIP trunk auth password")
	fs.StringVar(&cfg.MediaAddr, "media-addr", defaultMediaAddr, "media server control socket address")
	fs.StringVar(&cfg.MediaSecret, "media-secret", defaultMediaSecret, "media server control socket secret")
	fs.StringVar(&cfg.AgentProject, "agent-project", "", "conversational agent project id (required)")
	fs.StringVar(&cfg.AgentLang, "agent-lang", defaultAgentLang, "agent language tag")
	fs.StringVar(&cfg.AgentCredentials, "agent-credentials", "", "path to agent service-account JSON (required)")
	fs.StringVar(&cfg.InboundWelcomeEvent, "inbound-welcome-event", "", "agent event fired on the first turn of an inbound call")
	fs.StringVar(&cfg.OutboundWelcomeEvent, "outbound-welcome-event", "", "agent event fired on the first turn of an outbound call")
	fs.DurationVar(&cfg.NoInputTimeout, "no-input-timeout", 0, "reprompt the agent after this much caller silence (0 disables)")
	fs.DurationVar(&cfg.InterDigitTimeout, "interdigit-timeout", defaultInterDigitTimeout, "maximum gap between keypad digits during collection")
	fs.BoolVar(&cfg.CollectDTMFAlways, "collect-dtmf-always", false, "arm keypad collection on every turn, not only when the agent asks")
	fs.StringVar(&cfg.BargePhrase, "barge-phrase", "", "spoken phrase that interrupts prompt playback")
	fs.StringVar(&cfg.FillerSound, "filler-sound", "", "audio file played while waiting for the agent response")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "console HTTP/websocket listen port")
	fs.StringVar(&cfg.AuthUsername, "auth-username", "", "console login username; empty disables the console API")
	fs.StringVar(&cfg.AuthPasswordHash, "auth-password-hash", "", "bcrypt hash of the console password")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "secret for signing console bearer tokens")
	fs.StringVar(&cfg.SpreadsheetID, "spreadsheet-id", "", "Google Sheet id driving the outbound campaign; empty disables it")
	fs.StringVar(&cfg.SheetCredentials, "sheet-credentials", "", "path to credentials JSON for the Sheets API")
	fs.DurationVar(&cfg.SheetPoll, "sheet-poll", defaultSheetPoll, "campaign spreadsheet poll interval")
	fs.IntVar(&cfg.DialsPerMinute, "dials-per-minute", defaultDialsPerMinute, "campaign outbound dial pacing")
	fs.StringVar(&cfg.CampaignCallerID, "campaign-caller-id", "", "caller id for campaign dials and follow-up SMS")
	fs.StringVar(&cfg.LookupBaseURL, "lookup-base-url", "", "number lookup API base URL; empty disables CNAM enrichment")
	fs.StringVar(&cfg.LookupAccountSID, "lookup-account-sid", "", "number lookup API account sid")
	fs.StringVar(&cfg.LookupAuthToken, "lookup-auth-token", "", "number lookup API auth token")
	fs.StringVar(&cfg.SMSBaseURL, "sms-base-url", "", "SMS API base URL; empty disables post-call SMS")
	fs.StringVar(&cfg.SMSAccount, "sms-account", "", "SMS API account")
	fs.StringVar(&cfg.SMSUsername, "sms-username", "", "SMS API username")
	fs.StringVar(&cfg.SMSPassword, "sms-password", "", "SMS API password")
	fs.StringVar(&cfg.SMSFollowUp, "sms-followup", "", "text sent to the customer after a completed campaign call; empty disables")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call record database")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	str := map[string]*string{
		"trunk-gateway":          &cfg.TrunkGateway,
		"trunk-username":         &cfg.TrunkUsername,
		"trunk-password":         &cfg.TrunkPassword,
		"media-addr":             &cfg.MediaAddr,
		"media-secret":           &cfg.MediaSecret,
		"agent-project":          &cfg.AgentProject,
		"agent-lang":             &cfg.AgentLang,
		"agent-credentials":      &cfg.AgentCredentials,
		"inbound-welcome-event":  &cfg.InboundWelcomeEvent,
		"outbound-welcome-event": &cfg.OutboundWelcomeEvent,
		"barge-phrase":           &cfg.BargePhrase,
		"filler-sound":           &cfg.FillerSound,
		"auth-username":          &cfg.AuthUsername,
		"auth-password-hash":     &cfg.AuthPasswordHash,
		"jwt-secret":             &cfg.JWTSecret,
		"spreadsheet-id":         &cfg.SpreadsheetID,
		"sheet-credentials":      &cfg.SheetCredentials,
		"campaign-caller-id":     &cfg.CampaignCallerID,
		"sms-followup":           &cfg.SMSFollowUp,
		"lookup-base-url":        &cfg.LookupBaseURL,
		"lookup-account-sid":     &cfg.LookupAccountSID,
		"lookup-auth-token":      &cfg.LookupAuthToken,
		"sms-base-url":           &cfg.SMSBaseURL,
		"sms-account":            &cfg.SMSAccount,
		"sms-username":           &cfg.SMSUsername,
		"sms-password":           &cfg.SMSPassword,
		"data-dir":               &cfg.DataDir,
		"log-level":              &cfg.LogLevel,
		"log-format":             &cfg.LogFormat,
	}
	ints := map[string]*int{
		"sip-port":         &cfg.SIPPort,
		"http-port":        &cfg.HTTPPort,
		"dials-per-minute": &cfg.DialsPerMinute,
	}
	durations := map[string]*time.Duration{
		"no-input-timeout":   &cfg.NoInputTimeout,
		"interdigit-timeout": &cfg.InterDigitTimeout,
		"sheet-poll":         &cfg.SheetPoll,
	}
	bools := map[string]*bool{
		"collect-dtmf-always": &cfg.CollectDTMFAlways,
	}

	lookup := func(flagName string) (string, bool) {
		if set[flagName] {
			return "", false
		}
		val, ok := os.LookupEnv(envVarFor(flagName))
		if !ok || val == "" {
			return "", false
		}
		return val, true
	}

	for name, dst := range str {
		if val, ok := lookup(name); ok {
			*dst = val
		}
	}
	for name, dst := range ints {
		if val, ok := lookup(name); ok {
			if v, err := strconv.Atoi(val); err == nil {
				*dst = v
			}
		}
	}
	for name, dst := range durations {
		if val, ok := lookup(name); ok {
			if v, err := time.ParseDuration(val); err == nil {
				*dst = v
			}
		}
	}
	for name, dst := range bools {
		if val, ok := lookup(name); ok {
			if v, err := strconv.ParseBool(val); err == nil {
				*dst = v
			}
		}
	}
}

// envVarFor maps a flag name to its environment variable name, e.g.
// "agent-project" -> "VOXGATE_AGENT_PROJECT".
func envVarFor(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.AgentProject == "" {
		return fmt.Errorf("agent-project is required (flag or %s)", envVarFor("agent-project"))
	}
	if c.AgentCredentials == "" {
		return fmt.Errorf("agent-credentials is required (flag or %s)", envVarFor("agent-credentials"))
	}
	if c.NoInputTimeout < 0 {
		return fmt.Errorf("no-input-timeout must not be negative, got %v", c.NoInputTimeout)
	}
	if c.InterDigitTimeout <= 0 {
		return fmt.Errorf("interdigit-timeout must be positive, got %v", c.InterDigitTimeout)
	}
	if c.DialsPerMinute < 1 {
		return fmt.Errorf("dials-per-minute must be at least 1, got %d", c.DialsPerMinute)
	}
	if c.SpreadsheetID != "" && c.SheetCredentials == "" {
		return fmt.Errorf("sheet-credentials is required when spreadsheet-id is set")
	}
	if c.AuthUsername != "" && (c.AuthPasswordHash == "" || c.JWTSecret == "") {
		return fmt.Errorf("auth-password-hash and jwt-secret are required when auth-username is set")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// TransferEnabled reports whether a SIP trunk is configured for call
// transfer and campaign dialing.
func (c *Config) TransferEnabled() bool {
	return c.TrunkGateway != ""
}

// CampaignEnabled reports whether the spreadsheet-driven outbound
// campaign is configured. A campaign also needs a trunk to dial through.
func (c *Config) CampaignEnabled() bool {
	return c.SpreadsheetID != "" && c.TransferEnabled()
}

// ConsoleEnabled reports whether the authenticated console API is configured.
func (c *Config) ConsoleEnabled() bool {
	return c.AuthUsername != ""
}

// SIPHost returns the hostname to use for the SIP User-Agent.
func (c *Config) SIPHost() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
