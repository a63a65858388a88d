// Package host boots one plugin: it completes the plugin descriptor,
// guards registration against version races and serves the plugin queue.
package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/climatoology/climatoology/broker"
	"github.com/climatoology/climatoology/common"
	"github.com/climatoology/climatoology/computation"
	"github.com/climatoology/climatoology/info"
	"github.com/climatoology/climatoology/operator"
	"github.com/climatoology/climatoology/runner"
	"github.com/climatoology/climatoology/schema"
	"github.com/climatoology/climatoology/store"
	"github.com/climatoology/climatoology/version"
)

var (
	// ErrOutdatedWorkerRunning refuses startup while a worker of the same
	// plugin still serves an older version. Two versions bound to the same
	// plugin id would both receive versionless dispatches.
	ErrOutdatedWorkerRunning = errors.New("host: outdated plugin worker still running")

	// ErrNewerVersionRegistered refuses a downgrade of the registered
	// descriptor without the force flag.
	ErrNewerVersionRegistered = errors.New("host: newer plugin version already registered")
)

// Store is what hosting needs from the computation store: descriptor
// registration for the host itself plus the slices the runner and the task
// framework write through.
type Store interface {
	runner.Store
	WriteInfo(ctx context.Context, i info.Info) error
	ReadInfo(ctx context.Context, pluginID, version string) (info.Info, error)
	RecordTaskResult(ctx context.Context, result computation.TaskResult) error
}

// Config tunes one plugin host.
type Config struct {
	// ForceRegister accepts registering over a higher stored version.
	ForceRegister bool
	// Prefetch is the worker prefetch count; zero means one task at a time.
	Prefetch int
	// ComputationDir is the parent of per-computation scope directories.
	ComputationDir string
	// LibraryVersion overrides the runtime library version, for tests.
	LibraryVersion string
}

// Host runs one plugin against the platform fabric.
type Host struct {
	op        operator.Operator
	store     Store
	broker    *broker.Broker
	objects   runner.ObjectStore
	cfg       Config
	effective info.Info
	base      *logrus.Logger
	logger    *logrus.Entry
}

// New completes and validates the plugin descriptor. The id is derived
// from the display name, the schema is reflected from the operator's
// parameter type and the library version is stamped from the runtime.
func New(op operator.Operator, st Store, objects runner.ObjectStore, br *broker.Broker, cfg Config, logger *logrus.Logger) (*Host, error) {
	if cfg.LibraryVersion == "" {
		cfg.LibraryVersion = version.Library
	}

	effective := op.BaseInfo()
	effective.ID = info.DeriveID(effective.Name)
	effective.OperatorSchema = op.ParamsSchema()
	effective.LibraryVersion = cfg.LibraryVersion
	if err := effective.Validate(); err != nil {
		return nil, err
	}
	reserved, err := schema.ReservedFields(effective.OperatorSchema, operator.ReservedParamFields...)
	if err != nil {
		return nil, fmt.Errorf("host: inspecting params schema: %w", err)
	}
	if len(reserved) > 0 {
		return nil, fmt.Errorf("host: params type declares reserved fields %v", reserved)
	}

	return &Host{
		op:        op,
		store:     st,
		broker:    br,
		objects:   objects,
		cfg:       cfg,
		effective: effective,
		base:      logger,
		logger:    common.ComponentLogger(logger, "host"),
	}, nil
}

// Info returns the effective descriptor the host registers and serves.
func (h *Host) Info() info.Info {
	return h.effective
}

// Register guards against version races and writes the descriptor.
func (h *Host) Register(ctx context.Context) error {
	if err := h.assertNoOutdatedWorker(ctx); err != nil {
		return err
	}
	if err := h.assertStoreNotNewer(ctx); err != nil {
		return err
	}
	if err := h.store.WriteInfo(ctx, h.effective); err != nil {
		return err
	}
	h.logger.WithField("plugin", h.effective.Key()).Info("plugin registered")
	return nil
}

// Serve runs the plugin worker until the context ends. The worker declares
// the plugin queue with both the id and the versioned key binding, so it
// answers compute dispatches and info requests.
func (h *Host) Serve(ctx context.Context) error {
	r := runner.New(h.op, h.effective, h.store, h.objects, runner.Config{BaseDir: h.cfg.ComputationDir}, h.base)
	w := broker.NewWorker(h.broker, broker.WorkerConfig{
		PluginID:       h.effective.ID,
		PluginKey:      h.effective.Key(),
		PluginVersion:  h.effective.Version,
		LibraryVersion: h.effective.LibraryVersion,
		Prefetch:       h.cfg.Prefetch,
	}, r, h.store, h.base)
	h.logger.WithFields(logrus.Fields{
		"plugin":   h.effective.Key(),
		"hostname": w.Hostname(),
	}).Info("serving plugin")
	return w.Run(ctx)
}

// Run registers the plugin and serves it.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Register(ctx); err != nil {
		return err
	}
	return h.Serve(ctx)
}

// assertNoOutdatedWorker refuses startup while a worker of this plugin
// advertises a lower version somewhere on the fabric.
func (h *Host) assertNoOutdatedWorker(ctx context.Context) error {
	workers, err := h.broker.PingWorkers(ctx)
	if err != nil {
		return fmt.Errorf("host: pinging workers: %w", err)
	}
	for _, w := range workers {
		if w.PluginID() != h.effective.ID || w.PluginVersion == "" {
			continue
		}
		cmp, err := info.CompareVersions(w.PluginVersion, h.effective.Version)
		if err != nil {
			h.logger.WithField("worker", w.Hostname).WithError(err).Warn("ignoring worker with unparseable version")
			continue
		}
		if cmp < 0 {
			return fmt.Errorf("%w: %s serves %s, registering %s", ErrOutdatedWorkerRunning, w.Hostname, w.PluginVersion, h.effective.Version)
		}
	}
	return nil
}

// assertStoreNotNewer refuses a silent downgrade of the registered
// descriptor; ForceRegister overrides.
func (h *Host) assertStoreNotNewer(ctx context.Context) error {
	stored, err := h.store.ReadInfo(ctx, h.effective.ID, "")
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("host: reading registered info: %w", err)
	}
	cmp, err := info.CompareVersions(stored.Version, h.effective.Version)
	if err != nil {
		return fmt.Errorf("host: comparing registered version: %w", err)
	}
	if cmp > 0 {
		if h.cfg.ForceRegister {
			h.logger.WithFields(logrus.Fields{
				"registered": stored.Version,
				"starting":   h.effective.Version,
			}).Warn("force-registering over a newer version")
			return nil
		}
		return fmt.Errorf("%w: registered %s, starting %s", ErrNewerVersionRegistered, stored.Version, h.effective.Version)
	}
	return nil
}
