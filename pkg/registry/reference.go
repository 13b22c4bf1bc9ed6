package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Architsharma7/Lit-Stackr/pkg/artifacts"
)

// Kind names the populated variant of a CodeReference.
type Kind string

const (
	KindInline Kind = "inline"
	KindByHash Kind = "hash"
)

// CodeReference points at gate code either by carrying the source inline or
// by its content address. Exactly one field is set.
type CodeReference struct {
	Inline string `json:"inline,omitempty"`
	Hash   string `json:"hash,omitempty"`
}

func Inline(source string) CodeReference { return CodeReference{Inline: source} }

func ByHash(address string) CodeReference { return CodeReference{Hash: address} }

// Kind returns the populated variant, or "" when the reference is invalid.
func (r CodeReference) Kind() Kind {
	switch {
	case r.Inline != "" && r.Hash == "":
		return KindInline
	case r.Hash != "" && r.Inline == "":
		return KindByHash
	default:
		return ""
	}
}

func (r CodeReference) Validate() error {
	switch r.Kind() {
	case KindInline:
		return nil
	case KindByHash:
		if _, err := artifacts.ParseAddress(r.Hash); err != nil {
			return fmt.Errorf("code reference: %w", err)
		}
		return nil
	}
	if r.Inline == "" && r.Hash == "" {
		return errors.New("code reference: neither inline source nor hash given")
	}
	return errors.New("code reference: both inline source and hash given")
}

// Address is the content address the reference resolves to. For inline code
// it is the address the source would have if published.
func (r CodeReference) Address() string {
	if r.Kind() == KindInline {
		return artifacts.ComputeAddress([]byte(r.Inline))
	}
	return strings.ToLower(r.Hash)
}

func (r CodeReference) String() string {
	switch r.Kind() {
	case KindInline:
		return "inline:" + r.Address()
	case KindByHash:
		return r.Address()
	default:
		return "invalid"
	}
}
