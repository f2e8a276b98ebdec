package machines

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cochaviz/anvil/internal/logging"
	"github.com/cochaviz/anvil/internal/remote"
	"github.com/cochaviz/anvil/internal/vbox"
)

// shareFolderTag is the shared-folder name whose host path holds the
// machines' SSH key material.
const shareFolderTag = "vmshare"

// dialTimeout bounds TCP establishment for every resolved connection. The
// machines are on loopback; a forwarded port that does not answer within
// this window is down, and readiness probing must fail at its own cadence
// rather than block on the OS connect timeout.
const dialTimeout = 10 * time.Second

// Registry discovers machines through the VM controller and caches the
// result for its lifetime. Discovery runs at most once per provider, even
// under concurrent callers.
type Registry struct {
	controller vbox.Controller
	providers  map[Provider]ProviderTemplates

	// ShareDir overrides shared-folder discovery when non-empty.
	ShareDir string

	logger *slog.Logger

	group singleflight.Group
	mu    sync.Mutex
	cache map[Provider]ResolvedPair
}

// NewRegistry constructs a registry over the given controller and provider
// table.
func NewRegistry(controller vbox.Controller, providers map[Provider]ProviderTemplates, logger *slog.Logger) *Registry {
	return &Registry{
		controller: controller,
		providers:  providers,
		logger:     logging.Ensure(logger).With("component", "machines"),
		cache:      make(map[Provider]ResolvedPair),
	}
}

// Resolve returns the resolved build engine and emulator for the provider.
// The first call performs discovery; later calls return the cached pair.
func (r *Registry) Resolve(ctx context.Context, provider Provider) (ResolvedPair, error) {
	r.mu.Lock()
	if pair, ok := r.cache[provider]; ok {
		r.mu.Unlock()
		return pair, nil
	}
	r.mu.Unlock()

	value, err, _ := r.group.Do(string(provider), func() (any, error) {
		pair, err := r.discover(ctx, provider)
		if err != nil {
			return ResolvedPair{}, err
		}
		r.mu.Lock()
		r.cache[provider] = pair
		r.mu.Unlock()
		return pair, nil
	})
	if err != nil {
		return ResolvedPair{}, err
	}
	return value.(ResolvedPair), nil
}

func (r *Registry) discover(ctx context.Context, provider Provider) (ResolvedPair, error) {
	templates, ok := r.providers[provider]
	if !ok {
		return ResolvedPair{}, &ConfigurationError{Reason: fmt.Sprintf("unknown provider %q", provider)}
	}

	installed, err := r.controller.ListInstalled(ctx)
	if err != nil {
		return ResolvedPair{}, fmt.Errorf("discover machines: %w", err)
	}

	engineInfo, ok := vbox.FindByName(installed, templates.Engine.Name)
	if !ok {
		return ResolvedPair{}, &ConfigurationError{
			Reason: fmt.Sprintf("no installed machine matches %q", templates.Engine.Name),
		}
	}
	emulatorInfo, ok := vbox.FindByName(installed, templates.Emulator.Name)
	if !ok {
		return ResolvedPair{}, &ConfigurationError{
			Reason: fmt.Sprintf("no installed machine matches %q", templates.Emulator.Name),
		}
	}

	shareDir, err := r.shareDir(ctx, engineInfo.ID)
	if err != nil {
		return ResolvedPair{}, err
	}

	r.logger.Debug("discovered machines",
		"engine", engineInfo.ID, "emulator", emulatorInfo.ID, "share_dir", shareDir)

	engine, err := resolveTemplate(templates.Engine, engineInfo, shareDir)
	if err != nil {
		return ResolvedPair{}, err
	}
	emulator, err := resolveTemplate(templates.Emulator, emulatorInfo, shareDir)
	if err != nil {
		return ResolvedPair{}, err
	}

	return ResolvedPair{Engine: engine, Emulator: emulator}, nil
}

// shareDir locates the key-storage directory: either the configured
// override, or the host path of the engine's "vmshare" shared folder.
func (r *Registry) shareDir(ctx context.Context, engineID string) (string, error) {
	dir := r.ShareDir
	if dir == "" {
		info, err := r.controller.ShowInfo(ctx, engineID)
		if err != nil {
			return "", fmt.Errorf("inspect build engine: %w", err)
		}
		path, ok := vbox.SharedFolderPath(info, shareFolderTag)
		if !ok {
			return "", &ConfigurationError{
				Reason: fmt.Sprintf("build engine has no shared folder tagged %q", shareFolderTag),
			}
		}
		dir = path
	}

	if stat, err := os.Stat(dir); err != nil || !stat.IsDir() {
		return "", &ConfigurationError{
			Reason: fmt.Sprintf("key-storage directory %q does not exist", dir),
		}
	}
	return dir, nil
}

// resolveTemplate merges a template with its discovered identifier and key
// set. An empty key set is a fatal configuration error at resolution time,
// never at connection time.
func resolveTemplate(template MachineTemplate, info vbox.MachineInfo, shareDir string) (ResolvedMachine, error) {
	keys, err := findKeyFiles(shareDir, template.Conn.User)
	if err != nil {
		return ResolvedMachine{}, fmt.Errorf("search keys for %q: %w", template.Conn.User, err)
	}
	if len(keys) == 0 {
		return ResolvedMachine{}, &ConfigurationError{
			Reason: fmt.Sprintf("no key file named %q under %q", template.Conn.User, shareDir),
		}
	}

	conn := template.Conn
	conn.KeyPaths = keys
	conn.HostKeyPolicy = remote.HostKeyNever
	conn.DialTimeout = dialTimeout

	return ResolvedMachine{
		Template: template,
		ID:       info.ID,
		Conn:     conn,
	}, nil
}

// findKeyFiles searches dir recursively for files whose name exactly matches
// user. Results are sorted so resolution is deterministic.
func findKeyFiles(dir, user string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() && entry.Name() == user {
			keys = append(keys, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
