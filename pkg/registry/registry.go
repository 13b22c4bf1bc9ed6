package registry

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/Architsharma7/Lit-Stackr/pkg/artifacts"
	"github.com/Architsharma7/Lit-Stackr/pkg/gate"
)

// DefaultAction is the built-in balance gate.
const DefaultAction = "balance-gate"

//go:embed programs/*.yaml
var builtinPrograms embed.FS

// Mode selects how resolved code is referenced in dispatches.
type Mode string

const (
	ModeInline Mode = "inline"
	ModeByHash Mode = "byhash"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeInline, "":
		return ModeInline, nil
	case ModeByHash, "hash":
		return ModeByHash, nil
	default:
		return "", fmt.Errorf("unknown code mode %q", s)
	}
}

var (
	ErrUnknownAction     = errors.New("unknown action")
	ErrNoMatchingVersion = errors.New("no version matches constraint")
	ErrDuplicateVersion  = errors.New("version already registered")
)

// PublishFailureKind classifies publish errors.
type PublishFailureKind string

const StorageUnavailable PublishFailureKind = "storage_unavailable"

// PublishFailure is returned when code cannot be durably published.
type PublishFailure struct {
	Kind PublishFailureKind
	Err  error
}

func (e *PublishFailure) Error() string {
	return fmt.Sprintf("publish: %s: %v", e.Kind, e.Err)
}

func (e *PublishFailure) Unwrap() error { return e.Err }

// Action is one registered version of gate code.
type Action struct {
	Name    string
	Version *semver.Version
	Source  []byte
	address string
}

// Address is the content address of the action's source.
func (a *Action) Address() string {
	return artifacts.ComputeAddress(a.Source)
}

// Registry maps action ids to gate code.
type Registry struct {
	mode   Mode
	store  artifacts.Store
	logger *slog.Logger

	mu      sync.RWMutex
	actions map[string][]*Action
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New returns an empty registry. ModeByHash requires a store.
func New(mode Mode, store artifacts.Store, opts ...Option) (*Registry, error) {
	if mode != ModeInline && mode != ModeByHash {
		return nil, fmt.Errorf("unknown code mode %q", mode)
	}
	if mode == ModeByHash && store == nil {
		return nil, errors.New("byhash mode requires an artifact store")
	}
	r := &Registry{
		mode:    mode,
		store:   store,
		logger:  slog.Default().With("component", "registry"),
		actions: make(map[string][]*Action),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NewWithBuiltins returns a registry preloaded with the embedded gates.
func NewWithBuiltins(mode Mode, store artifacts.Store, opts ...Option) (*Registry, error) {
	r, err := New(mode, store, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.RegisterBuiltins(); err != nil {
		return nil, err
	}
	return r, nil
}

// RegisterBuiltins loads every program under programs/.
func (r *Registry) RegisterBuiltins() error {
	return fs.WalkDir(builtinPrograms, "programs", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		src, err := builtinPrograms.ReadFile(path)
		if err != nil {
			return err
		}
		prog, err := gate.ParseProgram(src)
		if err != nil {
			return fmt.Errorf("builtin %s: %w", path, err)
		}
		return r.Register(prog.Name, prog.Version, src)
	})
}

// Register adds source as version of action name. The source must be a valid
// gate program declaring the same name.
func (r *Registry) Register(name, version string, source []byte) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("action %s: invalid version %q: %w", name, version, err)
	}
	prog, err := gate.ParseProgram(source)
	if err != nil {
		return fmt.Errorf("action %s@%s: %w", name, version, err)
	}
	if prog.Name != name {
		return fmt.Errorf("action %s@%s: program declares name %q", name, version, prog.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.actions[name] {
		if a.Version.Equal(v) {
			return fmt.Errorf("%w: %s@%s", ErrDuplicateVersion, name, v)
		}
	}
	r.actions[name] = append(r.actions[name], &Action{
		Name:    name,
		Version: v,
		Source:  append([]byte(nil), source...),
	})
	sort.Slice(r.actions[name], func(i, j int) bool {
		return r.actions[name][i].Version.LessThan(r.actions[name][j].Version)
	})
	return nil
}

// Lookup returns the highest version of the action matching actionID, which
// is "name" or "name@constraint" (e.g. "balance-gate@~1.0").
func (r *Registry) Lookup(actionID string) (*Action, error) {
	name, constraint, _ := strings.Cut(actionID, "@")
	var c *semver.Constraints
	if constraint != "" {
		parsed, err := semver.NewConstraint(constraint)
		if err != nil {
			return nil, fmt.Errorf("action %s: invalid constraint: %w", actionID, err)
		}
		c = parsed
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if c == nil || c.Check(versions[i].Version) {
			return versions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoMatchingVersion, actionID)
}

// Resolve maps actionID to a CodeReference in the registry's mode. In
// ModeByHash the source is published on first use.
func (r *Registry) Resolve(ctx context.Context, actionID string) (CodeReference, error) {
	a, err := r.Lookup(actionID)
	if err != nil {
		return CodeReference{}, err
	}
	if r.mode == ModeInline {
		return Inline(string(a.Source)), nil
	}

	r.mu.RLock()
	addr := a.address
	r.mu.RUnlock()
	if addr != "" {
		return ByHash(addr), nil
	}

	addr, err = r.Publish(ctx, a.Source, fmt.Sprintf("%s-%s.yaml", a.Name, a.Version))
	if err != nil {
		return CodeReference{}, err
	}
	r.mu.Lock()
	a.address = addr
	r.mu.Unlock()
	return ByHash(addr), nil
}

// Publish uploads source to the artifact store and returns its content
// address. Publishing identical bytes again returns the same address.
func (r *Registry) Publish(ctx context.Context, source []byte, name string) (string, error) {
	if r.store == nil {
		return "", &PublishFailure{Kind: StorageUnavailable, Err: errors.New("no artifact store configured")}
	}
	if name == "" {
		name = "gate.yaml"
	}
	addr, err := r.store.Put(ctx, source, artifacts.Metadata{Name: name})
	if err != nil {
		return "", &PublishFailure{Kind: StorageUnavailable, Err: err}
	}
	r.logger.InfoContext(ctx, "gate published", "name", name, "address", addr)
	return addr, nil
}

// Mode reports how Resolve references code.
func (r *Registry) Mode() Mode { return r.mode }

// ActionInfo summarizes one registered version.
type ActionInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Address string `json:"address"`
}

// List returns every registered version, ordered by name then version.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for n := range r.actions {
		names = append(names, n)
	}
	sort.Strings(names)

	var out []ActionInfo
	for _, n := range names {
		for _, a := range r.actions[n] {
			out = append(out, ActionInfo{Name: a.Name, Version: a.Version.String(), Address: a.Address()})
		}
	}
	return out
}
