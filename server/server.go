// Copyright 2023 The CatalogDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package server

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"golang.org/x/sync/errgroup"

	"github.com/scidatahub/catalogdb/catalog"
	"github.com/scidatahub/catalogdb/consensus"
	"github.com/scidatahub/catalogdb/endpointsync"
	apierrors "github.com/scidatahub/catalogdb/errors"
	"github.com/scidatahub/catalogdb/eventlog"
	"github.com/scidatahub/catalogdb/notify"
	"github.com/scidatahub/catalogdb/permission"
	"github.com/scidatahub/catalogdb/proto"
	"github.com/scidatahub/catalogdb/store"
)

type Config struct {
	StoreConfig store.Config `json:"store_config"`

	CustomRelationsPath string `json:"custom_relations_path"`

	EventLogConfig eventlog.Config     `json:"event_log_config"`
	SyncConfig     endpointsync.Config `json:"sync_config"`
	NotifyConfig   notify.Config       `json:"notify_config"`

	// RaftConfig selects the replicated ordering layer; when nil the
	// server runs with local in-process ordering.
	RaftConfig *consensus.RaftConfig `json:"raft_config"`
}

type Server struct {
	store       *store.Store
	mux         *consensus.Mux
	group       consensus.Group
	catalog     catalog.Catalog
	events      *eventlog.Log
	resolver    *permission.Resolver
	coordinator *endpointsync.Coordinator
	dispatcher  *notify.Dispatcher
}

func NewServer(cfg *Config) (*Server, error) {
	span, ctx := trace.StartSpanFromContext(context.Background(), "server-init")

	st, err := store.NewStore(ctx, &cfg.StoreConfig)
	if err != nil {
		return nil, errors.Info(err, "open store failed")
	}

	mux, err := consensus.NewMux(ctx, st)
	if err != nil {
		return nil, errors.Info(err, "init commit mux failed")
	}

	registry := catalog.NewRegistry()
	if cfg.CustomRelationsPath != "" {
		if err := registry.LoadCustomTypes(cfg.CustomRelationsPath); err != nil {
			return nil, errors.Info(err, "load custom relation types failed")
		}
	}

	cfg.EventLogConfig.Store = st
	cfg.SyncConfig.Store = st
	cfg.NotifyConfig.Store = st

	cat := catalog.NewCatalog(ctx, &catalog.Config{Store: st, Registry: registry})
	events := eventlog.NewLog(&cfg.EventLogConfig)
	dispatcher := notify.NewDispatcher(&cfg.NotifyConfig)
	coordinator := endpointsync.NewCoordinator(&cfg.SyncConfig)

	events.SetHierarchy(cat)
	events.SetPublisher(dispatcher)
	dispatcher.SetHierarchy(cat)
	cat.SetEvents(events)
	coordinator.SetGraph(cat)
	coordinator.SetEvents(events)

	if err := st.KVStore().CreateColumn(notify.CF); err != nil {
		return nil, errors.Info(err, "create notify column failed")
	}

	mux.Register(cat.GetSM())
	mux.Register(events.GetSM())
	mux.Register(coordinator.GetSM())

	var group consensus.Group
	if cfg.RaftConfig != nil {
		group = consensus.NewRaftGroup(cfg.RaftConfig, mux)
	} else {
		group = consensus.NewMemGroup(mux)
	}
	cat.SetRaftGroup(group)
	events.SetRaftGroup(group)
	coordinator.SetRaftGroup(group)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return cat.Load(egCtx) })
	eg.Go(func() error { return events.Load(egCtx) })
	if err := eg.Wait(); err != nil {
		return nil, errors.Info(err, "load applied state failed")
	}

	group.Start()
	span.Info("server initialized")

	return &Server{
		store:       st,
		mux:         mux,
		group:       group,
		catalog:     cat,
		events:      events,
		resolver:    permission.NewResolver(cat),
		coordinator: coordinator,
		dispatcher:  dispatcher,
	}, nil
}

func (s *Server) Catalog() catalog.Catalog               { return s.catalog }
func (s *Server) Events() *eventlog.Log                  { return s.events }
func (s *Server) Resolver() *permission.Resolver         { return s.resolver }
func (s *Server) Coordinator() *endpointsync.Coordinator { return s.coordinator }
func (s *Server) Dispatcher() *notify.Dispatcher         { return s.dispatcher }

func (s *Server) Stat() *consensus.Stat {
	return s.group.Stat()
}

func (s *Server) Close() {
	span, ctx := trace.StartSpanFromContext(context.Background(), "server-close")

	s.coordinator.Close()
	s.group.Close()
	if err := s.mux.Flush(ctx); err != nil {
		span.Warnf("flush apply watermark failed: %s", err.Error())
	}
	s.dispatcher.Close()
	s.catalog.Close()
	s.store.Close()
}

func (s *Server) require(ctx context.Context, subject proto.Subject, resource proto.ID, need proto.PermissionLevel) error {
	_, ok, err := s.resolver.Require(ctx, subject, resource, need)
	if err != nil {
		return err
	}
	if !ok {
		return apierrors.ErrPermissionDenied
	}
	return nil
}

// CreateResource adds a node under parent; creating a child takes APPEND
// on the parent. Hierarchy roots and subjects enter the graph unattached
// and need no prior permission; the creator of a root becomes its
// cascading admin.
func (s *Server) CreateResource(ctx context.Context, subject proto.Subject, node *proto.Node, parent *proto.ID) (proto.ID, error) {
	if parent != nil {
		if err := s.require(ctx, subject, *parent, proto.PermissionAppend); err != nil {
			return proto.ID{}, err
		}
	}
	id, err := s.catalog.CreateNode(ctx, node, parent)
	if err != nil {
		return proto.ID{}, err
	}
	if parent == nil && node.Type.IsHierarchyRoot() && subject.ID != (proto.ID{}) {
		if err := s.catalog.PutGrant(ctx, &proto.Grant{
			Subject:   subject.ID,
			Resource:  id,
			Level:     proto.PermissionAdmin,
			Cascading: true,
		}); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (s *Server) GetResource(ctx context.Context, subject proto.Subject, id proto.ID) (*proto.Node, error) {
	if err := s.require(ctx, subject, id, proto.PermissionRead); err != nil {
		return nil, err
	}
	return s.catalog.GetNode(ctx, id)
}

func (s *Server) UpdateResource(ctx context.Context, subject proto.Subject, id proto.ID, name string, attrs proto.NodeAttrs) error {
	if err := s.require(ctx, subject, id, proto.PermissionWrite); err != nil {
		return err
	}
	return s.catalog.UpdateAttrs(ctx, id, name, attrs)
}

func (s *Server) DeleteResource(ctx context.Context, subject proto.Subject, id proto.ID) error {
	if err := s.require(ctx, subject, id, proto.PermissionAdmin); err != nil {
		return err
	}
	return s.catalog.DeleteNode(ctx, id)
}

func (s *Server) CreateRelation(ctx context.Context, subject proto.Subject, rel *proto.Relation) (proto.ID, error) {
	if err := s.require(ctx, subject, rel.Target, proto.PermissionAppend); err != nil {
		return proto.ID{}, err
	}
	return s.catalog.CreateRelation(ctx, rel)
}

func (s *Server) PutGrant(ctx context.Context, subject proto.Subject, grant *proto.Grant) error {
	if err := s.require(ctx, subject, grant.Resource, proto.PermissionAdmin); err != nil {
		return err
	}
	return s.catalog.PutGrant(ctx, grant)
}

func (s *Server) DeleteGrant(ctx context.Context, subject proto.Subject, grantSubject, resource proto.ID) error {
	if err := s.require(ctx, subject, resource, proto.PermissionAdmin); err != nil {
		return err
	}
	return s.catalog.DeleteGrant(ctx, grantSubject, resource)
}

func (s *Server) RegisterConsumer(ctx context.Context, subject proto.Subject, info *proto.ConsumerInfo) (proto.ID, error) {
	if err := s.require(ctx, subject, info.Resource, proto.PermissionRead); err != nil {
		return proto.ID{}, err
	}
	return s.events.RegisterConsumer(ctx, info)
}

func (s *Server) ReadEvents(ctx context.Context, consumerID proto.ID, maxItems int) ([]*proto.Event, error) {
	return s.events.Read(ctx, consumerID, maxItems)
}

func (s *Server) AckEvents(ctx context.Context, consumerID proto.ID, seq proto.Sequence) error {
	return s.events.Ack(ctx, consumerID, seq)
}

func (s *Server) SyncToEndpoint(ctx context.Context, subject proto.Subject, req *proto.SyncToEndpointRequest) (*proto.SyncToEndpointResponse, error) {
	if err := s.require(ctx, subject, req.Resource, proto.PermissionAdmin); err != nil {
		return nil, err
	}
	return s.coordinator.SyncToEndpoint(ctx, req)
}

func (s *Server) GetSyncStatus(ctx context.Context, syncID proto.ID) (*proto.GetSyncStatusResponse, error) {
	return s.coordinator.GetSyncStatus(ctx, syncID)
}
