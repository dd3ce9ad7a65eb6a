package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// requiredEnv sets the two values without which validate() fails, so the
// remaining tests can exercise defaults and overrides.
func requiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VOXGATE_AGENT_PROJECT", "test-project")
	t.Setenv("VOXGATE_AGENT_CREDENTIALS", "/tmp/creds.json")
}

func TestDefaults(t *testing.T) {
	requiredEnv(t)
	os.Args = []string{"voxgate"}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.MediaAddr != defaultMediaAddr {
		t.Errorf("MediaAddr = %q, want %q", cfg.MediaAddr, defaultMediaAddr)
	}
	if cfg.AgentLang != defaultAgentLang {
		t.Errorf("AgentLang = %q, want %q", cfg.AgentLang, defaultAgentLang)
	}
	if cfg.InterDigitTimeout != defaultInterDigitTimeout {
		t.Errorf("InterDigitTimeout = %v, want %v", cfg.InterDigitTimeout, defaultInterDigitTimeout)
	}
	if cfg.NoInputTimeout != 0 {
		t.Errorf("NoInputTimeout = %v, want 0", cfg.NoInputTimeout)
	}
	if cfg.TransferEnabled() {
		t.Error("TransferEnabled() = true with no trunk gateway")
	}
	if cfg.CampaignEnabled() {
		t.Error("CampaignEnabled() = true with no spreadsheet")
	}
}

func TestEnvVarOverride(t *testing.T) {
	requiredEnv(t)
	os.Args = []string{"voxgate"}
	t.Setenv("VOXGATE_SIP_PORT", "5080")
	t.Setenv("VOXGATE_TRUNK_GATEWAY", "sip.example.com:5060")
	t.Setenv("VOXGATE_NO_INPUT_TIMEOUT", "20s")
	t.Setenv("VOXGATE_COLLECT_DTMF_ALWAYS", "true")
	t.Setenv("VOXGATE_LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SIPPort != 5080 {
		t.Errorf("SIPPort = %d, want 5080", cfg.SIPPort)
	}
	if cfg.TrunkGateway != "sip.example.com:5060" {
		t.Errorf("TrunkGateway = %q, want %q", cfg.TrunkGateway, "sip.example.com:5060")
	}
	if cfg.NoInputTimeout != 20*time.Second {
		t.Errorf("NoInputTimeout = %v, want 20s", cfg.NoInputTimeout)
	}
	if !cfg.CollectDTMFAlways {
		t.Error("CollectDTMFAlways = false, want true")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q (normalized)", cfg.LogLevel, "debug")
	}
	if !cfg.TransferEnabled() {
		t.Error("TransferEnabled() = false with trunk gateway set")
	}
}

func TestMissingAgentProject(t *testing.T) {
	os.Args = []string{"voxgate"}
	t.Setenv("VOXGATE_AGENT_PROJECT", "")
	t.Setenv("VOXGATE_AGENT_CREDENTIALS", "/tmp/creds.json")
	os.Unsetenv("VOXGATE_AGENT_PROJECT")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing agent-project")
	}
	if !strings.Contains(err.Error(), "agent-project") {
		t.Errorf("error = %v, want mention of agent-project", err)
	}
}

func TestCampaignRequiresSheetCredentials(t *testing.T) {
	requiredEnv(t)
	os.Args = []string{"voxgate"}
	t.Setenv("VOXGATE_SPREADSHEET_ID", "sheet123")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when spreadsheet-id is set without sheet-credentials")
	}
}

func TestConsoleRequiresSecrets(t *testing.T) {
	requiredEnv(t)
	os.Args = []string{"voxgate"}
	t.Setenv("VOXGATE_AUTH_USERNAME", "admin")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when auth-username is set without password hash and jwt secret")
	}
}

func TestEnvVarFor(t *testing.T) {
	got := envVarFor("agent-project")
	if got != "VOXGATE_AGENT_PROJECT" {
		t.Errorf("envVarFor(agent-project) = %q, want VOXGATE_AGENT_PROJECT", got)
	}
}
