package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/Architsharma7/Lit-Stackr/pkg/artifacts"
)

// Ability is the kind of action a capability authorizes.
type Ability string

const (
	// AbilityCodeExecution authorizes running gate code on the substrate.
	AbilityCodeExecution Ability = "code-execution"
	// AbilityStateRead is reserved and never authorizes execution.
	AbilityStateRead Ability = "state-read"
)

func (a Ability) Valid() bool {
	switch a {
	case AbilityCodeExecution, AbilityStateRead:
		return true
	default:
		return false
	}
}

// Resource scopes a capability to code. "code://*" covers any code, while
// "code://sha256:<hex>" covers exactly one content address.
type Resource string

const (
	resourceScheme = "code://"

	// AnyCode covers every code reference, inline or published.
	AnyCode Resource = resourceScheme + "*"
)

// CodeResource scopes a capability to a single content address.
func CodeResource(address string) Resource {
	return Resource(resourceScheme + strings.ToLower(address))
}

func (r Resource) Validate() error {
	if r == AnyCode {
		return nil
	}
	rest, ok := strings.CutPrefix(string(r), resourceScheme)
	if !ok {
		return fmt.Errorf("resource %q: unsupported scheme", r)
	}
	if _, err := artifacts.ParseAddress(rest); err != nil {
		return fmt.Errorf("resource %q: %w", r, err)
	}
	return nil
}

// Covers reports whether the resource grants access to the code stored (or
// hashed, for inline code) at codeAddress.
func (r Resource) Covers(codeAddress string) bool {
	if r == AnyCode {
		return true
	}
	rest, ok := strings.CutPrefix(string(r), resourceScheme)
	if !ok || codeAddress == "" {
		return false
	}
	return strings.EqualFold(rest, codeAddress)
}

// CapabilityRequest asks for one ability over one resource until Expiration.
// A zero Expiration inherits the credential expiration at issuance.
type CapabilityRequest struct {
	Resource   Resource  `json:"resource"`
	Ability    Ability   `json:"ability"`
	Expiration time.Time `json:"expiration,omitempty"`
}

// ExecuteAnyCode is the default request: run any code for the session.
func ExecuteAnyCode() CapabilityRequest {
	return CapabilityRequest{Resource: AnyCode, Ability: AbilityCodeExecution}
}

func (c CapabilityRequest) validate() error {
	if !c.Ability.Valid() {
		return fmt.Errorf("unknown ability %q", c.Ability)
	}
	return c.Resource.Validate()
}
