package gate

import (
	"errors"
	"fmt"
	"net/url"
)

// Params are the caller-supplied gate inputs. The substrate treats them as
// opaque apart from binding Address to the authenticated subject.
type Params struct {
	ServerURL  string `json:"serverUrl"`
	Address    string `json:"address"`
	MinBalance int64  `json:"minBalance"`
}

// DefaultMinBalance is the threshold used when none is configured.
const DefaultMinBalance int64 = 100

func (p Params) Validate() error {
	if p.ServerURL == "" {
		return errors.New("serverUrl is required")
	}
	u, err := url.Parse(p.ServerURL)
	if err != nil {
		return fmt.Errorf("serverUrl: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("serverUrl: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("serverUrl: missing host")
	}
	if p.Address == "" {
		return errors.New("address is required")
	}
	if p.MinBalance < 0 {
		return fmt.Errorf("minBalance must be non-negative, got %d", p.MinBalance)
	}
	return nil
}

func (p Params) celValue() map[string]any {
	return map[string]any{
		"serverUrl":  p.ServerURL,
		"address":    p.Address,
		"minBalance": p.MinBalance,
	}
}
