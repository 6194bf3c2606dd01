package client

import (
	"net/http"

	"github.com/matindow/modi-api/internal/config"
)

// Credentials are HTTP basic auth credentials.
type Credentials struct {
	Username string
	Password string
}

// Apply sets the Authorization header on req.
func (c *Credentials) Apply(req *http.Request) {
	req.SetBasicAuth(c.Username, c.Password)
}

// RetryFromConfig converts the file configuration into a RetryConfig.
func RetryFromConfig(rc config.RetryConfig) RetryConfig {
	out := DefaultRetryConfig()
	out.MaxRetries = rc.Retries()
	if rc.Delay > 0 {
		out.RetryDelay = rc.Delay
	}
	if rc.MaxDelay > 0 {
		out.MaxDelay = rc.MaxDelay
	}
	return out
}
