// Package sprites implements the cloud-sandbox backend on top of the
// Sprites.dev API. Each host is one sprite; commands run through the
// sprite's exec channel and filesystem snapshots are archived into the
// provider directory.
package sprites

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/muxden/muxden/internal/common/config"
	"github.com/muxden/muxden/internal/common/logger"
	"github.com/muxden/muxden/internal/ids"
	"github.com/muxden/muxden/internal/provider"
	"github.com/muxden/muxden/pkg/agentstore"
	"github.com/muxden/muxden/pkg/volume"
)

const (
	// HostDir is where muxden state lives inside a sprite.
	HostDir = "/muxden"

	// DefaultTokenEnv is consulted when the provider table names no
	// token_env.
	DefaultTokenEnv = "SPRITES_API_TOKEN"

	stepTimeout = 120 * time.Second
)

// Register installs the cloud-sandbox backend factory.
func Register() {
	provider.RegisterBackend(ids.BackendCloudSandbox, New)
}

// Instance is the cloud-sandbox provider.
type Instance struct {
	*provider.Base
	d *driver
}

// New builds a sprites instance. A missing API token does not fail the
// load; it surfaces as an instance with no capabilities.
func New(name ids.InstanceName, cfg config.ProviderConfig, deps provider.Deps) (provider.Instance, error) {
	token := cfg.Token
	if token == "" {
		env := cfg.TokenEnv
		if env == "" {
			env = DefaultTokenEnv
		}
		token = os.Getenv(env)
	}

	log := deps.Logger.WithProvider(string(name))
	if token == "" {
		log.Warn("no sprites API token configured, backend loaded without capabilities")
	}

	d := &driver{
		token:  token,
		prefix: deps.Prefix,
		logger: log,
	}
	return &Instance{
		Base: provider.NewBase(name, ids.BackendCloudSandbox, d, deps, cfg.IdleTimeoutSeconds),
		d:    d,
	}, nil
}

// VolumeForHost exposes the sprite's host directory over its exec channel.
func (i *Instance) VolumeForHost(ctx context.Context, ref string) (provider.HostVolume, error) {
	h, err := i.GetHost(ctx, ref)
	if err != nil {
		return nil, err
	}
	runner, err := i.d.runnerFor(h.Record())
	if err != nil {
		return nil, err
	}
	return provider.AgentScopedVolume{Vol: volume.NewExec(runner, HostDir)}, nil
}

type driver struct {
	token  string
	prefix string
	logger *logger.Logger
}

func (d *driver) Capabilities() provider.Capabilities {
	if d.token == "" {
		return provider.Capabilities{}
	}
	return provider.Capabilities{Snapshots: true, Volumes: true, MutableTags: true}
}

func (d *driver) spriteName(rec *agentstore.HostRecord) string {
	return d.prefix + "host-" + rec.Name
}

func (d *driver) sprite(rec *agentstore.HostRecord) (*sprites.Sprite, error) {
	if d.token == "" {
		return nil, errors.New("sprites API token not configured")
	}
	client := sprites.New(d.token)
	return client.Sprite(d.spriteName(rec)), nil
}

func (d *driver) runnerFor(rec *agentstore.HostRecord) (*Runner, error) {
	sprite, err := d.sprite(rec)
	if err != nil {
		return nil, err
	}
	return &Runner{sprite: sprite}, nil
}

// Provision creates the sprite lazily by running a probe command, then
// prepares the host directory. On any failure the sprite is destroyed so a
// retried create starts clean.
func (d *driver) Provision(ctx context.Context, rec *agentstore.HostRecord, _ provider.CreateHostRequest) error {
	sprite, err := d.sprite(rec)
	if err != nil {
		return err
	}
	name := d.spriteName(rec)

	if err := d.initializeSprite(ctx, sprite, name); err != nil {
		d.cleanupOnFailure(sprite, name)
		return err
	}
	if err := d.prepareHostDir(ctx, sprite); err != nil {
		d.cleanupOnFailure(sprite, name)
		return err
	}

	if rec.PluginData == nil {
		rec.PluginData = map[string]any{}
	}
	rec.PluginData["sprite_name"] = name
	return nil
}

func (d *driver) initializeSprite(ctx context.Context, sprite *sprites.Sprite, name string) error {
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	d.logger.Debug("initializing sprite (lazy create on first command)", zap.String("sprite", name))
	out, err := sprite.CommandContext(stepCtx, "echo", "muxden-ready").Output()
	if err != nil {
		return fmt.Errorf("failed to create sprite: %w", err)
	}
	if !strings.Contains(string(out), "muxden-ready") {
		return fmt.Errorf("unexpected sprite output: %s", string(out))
	}
	return nil
}

func (d *driver) prepareHostDir(ctx context.Context, sprite *sprites.Sprite) error {
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	script := "mkdir -p " + HostDir + "/agents " + HostDir + "/signals && " +
		"command -v tmux >/dev/null 2>&1 || (apt-get update -qq && apt-get install -y -qq tmux >/dev/null 2>&1)"
	if out, err := sprite.CommandContext(stepCtx, "sh", "-c", script).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to prepare sprite: %w\n%s", err, string(out))
	}
	return nil
}

func (d *driver) cleanupOnFailure(sprite *sprites.Sprite, name string) {
	if err := sprite.Destroy(); err != nil {
		d.logger.Warn("failed to destroy sprite after provisioning error",
			zap.String("sprite", name),
			zap.Error(err))
	}
}

func (d *driver) Connect(_ context.Context, rec *agentstore.HostRecord) (volume.CommandRunner, string, bool, error) {
	runner, err := d.runnerFor(rec)
	if err != nil {
		return nil, "", false, err
	}
	return runner, HostDir, false, nil
}

// Start is a no-op; sprites resume automatically on the next command.
func (d *driver) Start(context.Context, *agentstore.HostRecord) error { return nil }

func (d *driver) Stop(context.Context, *agentstore.HostRecord) error {
	return errors.New("sprites suspend automatically; explicit stop is unsupported")
}

func (d *driver) Destroy(_ context.Context, rec *agentstore.HostRecord) error {
	sprite, err := d.sprite(rec)
	if err != nil {
		return err
	}
	if err := sprite.Destroy(); err != nil {
		return fmt.Errorf("failed to destroy sprite: %w", err)
	}
	return nil
}

func (d *driver) Resources(ctx context.Context, rec *agentstore.HostRecord) (*provider.HostResources, error) {
	runner, err := d.runnerFor(rec)
	if err != nil {
		return nil, err
	}
	return provider.ProbeUnixResources(ctx, runner)
}

func (d *driver) InvalidateConnection(string) {}

func (d *driver) Close() error { return nil }
