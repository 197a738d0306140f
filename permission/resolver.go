package permission

import (
	"context"

	"github.com/scidatahub/catalogdb/proto"
)

// AncestorGrants carries the grants sitting on one BELONGS_TO ancestor of
// the requested resource, root-most first in AccessView.Ancestors.
type AncestorGrants struct {
	Resource proto.ID
	Grants   []*proto.Grant
}

// AccessView is everything resolution needs for one (subject, resource)
// pair, captured atomically against the applied graph state so a
// concurrent mutation can never be half-observed.
type AccessView struct {
	Resource  proto.ID
	Direct    []*proto.Grant
	Ancestors []AncestorGrants
	Groups    map[proto.ID]struct{}
}

// Source supplies access views. The graph store implements it with a
// single snapshot-consistent read.
type Source interface {
	AccessView(ctx context.Context, subject, resource proto.ID) (*AccessView, error)
}

type Resolver struct {
	source Source
}

func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Resolve computes the effective permission level. An explicit DENY from
// any contributing grant wins over everything, including a direct ADMIN.
// Ancestor grants contribute only when cascading; grants on the resource
// itself always contribute, as do grants held by the subject's groups.
// Global admins bypass traversal entirely.
func (r *Resolver) Resolve(ctx context.Context, subject proto.Subject, resource proto.ID) (proto.PermissionLevel, error) {
	if subject.GlobalAdmin {
		return proto.PermissionAdmin, nil
	}

	view, err := r.source.AccessView(ctx, subject.ID, resource)
	if err != nil {
		return proto.PermissionNone, err
	}

	contributes := func(g *proto.Grant) bool {
		if g.Subject == subject.ID {
			return true
		}
		_, ok := view.Groups[g.Subject]
		return ok
	}

	level := proto.PermissionNone
	denied := false
	take := func(g *proto.Grant) {
		if g.Level == proto.PermissionDeny {
			denied = true
		}
		if g.Level > level {
			level = g.Level
		}
	}

	for _, anc := range view.Ancestors {
		for _, g := range anc.Grants {
			if g.Cascading && contributes(g) {
				take(g)
			}
		}
	}
	for _, g := range view.Direct {
		if contributes(g) {
			take(g)
		}
	}

	if denied {
		return proto.PermissionDeny, nil
	}
	return level, nil
}

// Require resolves and checks against a needed level in one step.
func (r *Resolver) Require(ctx context.Context, subject proto.Subject, resource proto.ID, need proto.PermissionLevel) (proto.PermissionLevel, bool, error) {
	got, err := r.Resolve(ctx, subject, resource)
	if err != nil {
		return got, false, err
	}
	if got == proto.PermissionDeny {
		return got, false, nil
	}
	return got, got >= need, nil
}
