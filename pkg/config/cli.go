package config

import "time"

// CLIConfig holds environment overrides for the launch CLI. Empty fields defer to the saved
// CLI configuration file.
type CLIConfig struct {
	APIBaseURL     string
	AccessToken    string
	RequestTimeout time.Duration
	WaitInterval   time.Duration
}

// LoadCLIConfig constructs a CLIConfig from environment variables.
func LoadCLIConfig() CLIConfig {
	return CLIConfig{
		APIBaseURL:     GetString("LAUNCHPAD_API_URL", ""),
		AccessToken:    GetString("LAUNCHPAD_TOKEN", ""),
		RequestTimeout: GetDuration("LAUNCHPAD_REQUEST_TIMEOUT", 60*time.Second),
		WaitInterval:   GetDuration("LAUNCHPAD_WAIT_INTERVAL", 3*time.Second),
	}
}
