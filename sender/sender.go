// Package sender is the client face of the platform: worker discovery,
// plugin info with compatibility checks, and the register-then-dispatch
// path that collapses equal requests into one running or cached
// computation.
package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/climatoology/climatoology/aoi"
	"github.com/climatoology/climatoology/broker"
	"github.com/climatoology/climatoology/common"
	"github.com/climatoology/climatoology/computation"
	"github.com/climatoology/climatoology/info"
	"github.com/climatoology/climatoology/store"
	"github.com/climatoology/climatoology/version"
)

// ErrInfoNotReceived reports that no worker answered an info request within
// the TTL. Unknown plugin ids surface the same way.
var ErrInfoNotReceived = broker.ErrInfoNotReceived

// Store is the slice of the relational store the sender uses.
type Store interface {
	RegisterComputation(ctx context.Context, reg store.Registration) (uuid.UUID, error)
	ReadComputation(ctx context.Context, correlationUUID uuid.UUID) (computation.Record, error)
	ReadTaskResult(ctx context.Context, taskID string) (computation.TaskResult, error)
}

// Broker is the slice of the AMQP fabric the sender uses.
type Broker interface {
	RequestInfo(ctx context.Context, pluginID, version string) (info.Info, error)
	SendCompute(task broker.ComputeTask, opts broker.SendOptions) error
	PublishResult(result computation.ComputeCommandResult) error
	PingWorkers(ctx context.Context) ([]broker.RegistryReply, error)
	Subscribe(ctx context.Context, filter *uuid.UUID) (<-chan computation.ComputeCommandResult, func(), error)
}

// maxPluginListTTL bounds how stale the active plugin list may get.
const maxPluginListTTL = 60 * time.Second

const activePluginsKey = "active_plugins"

// Config tunes the sender. The zero value enables deduplication, skips the
// library version assertion and caches the plugin list for the maximum TTL.
type Config struct {
	DisableDeduplication  bool
	AssertLibraryVersion  bool
	RuntimeLibraryVersion string
	PluginListTTL         time.Duration
}

func (c Config) withDefaults() Config {
	if c.RuntimeLibraryVersion == "" {
		c.RuntimeLibraryVersion = version.Library
	}
	if c.PluginListTTL <= 0 || c.PluginListTTL > maxPluginListTTL {
		c.PluginListTTL = maxPluginListTTL
	}
	return c
}

// CacheOverride forces the cache policy of one request.
type CacheOverride int

const (
	// CacheDefault applies the plugin's own shelf life.
	CacheDefault CacheOverride = iota
	// CacheForever caches the computation without expiry.
	CacheForever
	// CacheNever bypasses the cache and always starts a fresh computation.
	CacheNever
)

// ComputeRequest is one user request for a computation.
type ComputeRequest struct {
	PluginID        string
	Version         string
	CorrelationUUID uuid.UUID
	Area            aoi.Aoi
	Params          json.RawMessage
	CacheOverride   CacheOverride
	TaskTimeLimit   time.Duration
	QueueTTL        time.Duration
}

// Sender coordinates request registration and dispatch. It keeps no state
// between calls apart from the plugin list cache and is safe for concurrent
// use.
type Sender struct {
	store   Store
	broker  Broker
	cfg     Config
	plugins *gocache.Cache
	logger  *logrus.Entry
}

// New wires a sender. A nil logger falls back to the process logger.
func New(st Store, br Broker, cfg Config, logger *logrus.Logger) *Sender {
	cfg = cfg.withDefaults()
	return &Sender{
		store:   st,
		broker:  br,
		cfg:     cfg,
		plugins: gocache.New(cfg.PluginListTTL, 2*cfg.PluginListTTL),
		logger:  common.ComponentLogger(logger, "sender"),
	}
}

// ListActivePlugins returns the ids of plugins with a live compute worker,
// sorted. The list is served from a short-lived cache, so a worker that
// just appeared may be missed until the cache expires.
func (s *Sender) ListActivePlugins(ctx context.Context) ([]string, error) {
	if cached, ok := s.plugins.Get(activePluginsKey); ok {
		return append([]string(nil), cached.([]string)...), nil
	}

	workers, err := s.broker.PingWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("sender: listing active plugins: %w", err)
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, worker := range workers {
		if !worker.HasCapability(broker.CapabilityCompute) {
			continue
		}
		id := worker.PluginID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	s.plugins.Set(activePluginsKey, ids, gocache.DefaultExpiration)
	return append([]string(nil), ids...), nil
}

// RequestInfo asks the plugin's worker for its descriptor, latest version
// when none is given. With the library assertion enabled an incompatible
// plugin fails with *info.VersionMismatchError.
func (s *Sender) RequestInfo(ctx context.Context, pluginID, pluginVersion string) (info.Info, error) {
	i, err := s.broker.RequestInfo(ctx, pluginID, pluginVersion)
	if err != nil {
		return info.Info{}, err
	}
	if s.cfg.AssertLibraryVersion {
		if err := info.AssertCompatible(i.Key(), i.LibraryVersion, s.cfg.RuntimeLibraryVersion); err != nil {
			return info.Info{}, err
		}
	}
	return i, nil
}

// SendCompute registers the request and dispatches it when this call wins
// the deduplication race. Losers get an alias handle onto the canonical
// computation and observe its progress transparently.
func (s *Sender) SendCompute(ctx context.Context, req ComputeRequest) (*Handle, error) {
	pluginInfo, err := s.RequestInfo(ctx, req.PluginID, req.Version)
	if err != nil {
		return nil, err
	}

	shelfLife := s.effectiveShelfLife(pluginInfo, req.CacheOverride)
	now := time.Now().UTC()

	canonical, err := s.store.RegisterComputation(ctx, store.Registration{
		CorrelationUUID: req.CorrelationUUID,
		PluginKey:       pluginInfo.Key(),
		RequestedParams: req.Params,
		Area:            req.Area,
		ShelfLife:       shelfLife,
		RequestTS:       now,
	})
	if err != nil {
		return nil, err
	}

	handle := &Handle{
		CorrelationUUID: canonical,
		UserUUID:        req.CorrelationUUID,
		Originator:      canonical == req.CorrelationUUID,
		sender:          s,
	}

	if !handle.Originator {
		s.logger.WithFields(logrus.Fields{
			"plugin":    pluginInfo.Key(),
			"user":      req.CorrelationUUID,
			"canonical": canonical,
		}).Debug("joined existing computation")
		return handle, nil
	}

	feature, err := req.Area.FeatureJSON()
	if err != nil {
		return nil, fmt.Errorf("sender: encoding area of interest: %w", err)
	}
	err = s.broker.SendCompute(broker.ComputeTask{
		CorrelationUUID: canonical,
		PluginKey:       pluginInfo.Key(),
		Aoi:             feature,
		Params:          req.Params,
	}, broker.SendOptions{
		SoftTimeLimit: req.TaskTimeLimit,
		QueueTTL:      req.QueueTTL,
	})
	if err != nil {
		return nil, err
	}

	// Only the originator announces the pending state; workers own every
	// later transition.
	event := computation.ComputeCommandResult{
		CorrelationUUID: canonical,
		Status:          computation.StatusPending,
		Timestamp:       now,
	}
	if err := s.broker.PublishResult(event); err != nil {
		s.logger.WithError(err).WithField("correlation", canonical).Warn("publishing pending event failed")
	}

	s.logger.WithFields(logrus.Fields{
		"plugin":      pluginInfo.Key(),
		"correlation": canonical,
	}).Info("dispatched computation")
	return handle, nil
}

func (s *Sender) effectiveShelfLife(pluginInfo info.Info, override CacheOverride) info.ShelfLife {
	switch override {
	case CacheForever:
		return info.UnboundedShelfLife()
	case CacheNever:
		return info.ShelfLife{}
	default:
		if s.cfg.DisableDeduplication {
			return info.ShelfLife{}
		}
		return pluginInfo.ComputationShelfLife
	}
}
