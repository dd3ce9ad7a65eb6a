package agent

import (
	"encoding/json"
	"fmt"
	"os"
)

// Credentials holds the service account identity used to reach the
// agent platform. The media server's agent module reads the same file;
// we parse it here to validate it at startup and to learn the project.
type Credentials struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id"`
	ClientEmail string `json:"client_email"`
}

// LoadCredentials reads and validates the service account file. It is
// called once at startup; the caller owns the loaded value.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent credentials: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing agent credentials: %w", err)
	}
	if c.Type != "service_account" {
		return nil, fmt.Errorf("agent credentials: unexpected type %q", c.Type)
	}
	if c.ProjectID == "" {
		return nil, fmt.Errorf("agent credentials: missing project_id")
	}
	return &c, nil
}
