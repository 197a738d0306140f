// Copyright 2024 The CatalogDB Authors.
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

package errors

import "errors"

var (
	ErrNotFound = errors.New("node does not exist")

	// validation errors are rejected before a mutation is proposed and
	// never reach consensus
	ErrInvalidRelation   = errors.New("relation is not registered for the origin and target types")
	ErrDuplicateRelation = errors.New("a BELONGS_TO relation with this display name already exists")
	ErrDanglingReference = errors.New("relation endpoint does not exist")
	ErrInvalidAttrs      = errors.New("attribute payload does not match the node type")
	ErrNotAResource      = errors.New("node is not a hierarchy resource")
	ErrNotASubject       = errors.New("node cannot hold permission grants")

	ErrRejected        = errors.New("mutation rejected, conflicts with a concurrently committed change")
	ErrProposalTimeout = errors.New("proposal timed out, outcome unknown until observed on the commit stream")

	ErrPermissionDenied = errors.New("permission denied")

	ErrConsumerNotFound = errors.New("consumer does not exist")
	ErrCursorRegression = errors.New("cursor may only advance")

	ErrSyncNotFound        = errors.New("sync operation does not exist")
	ErrSyncFinished        = errors.New("sync operation already reached a terminal state")
	ErrEndpointUnreachable = errors.New("endpoint unreachable")

	// ErrCorruptedState marks an invariant violation detected during commit
	// application. Application for the affected project must halt.
	ErrCorruptedState = errors.New("corrupted local state detected during apply")
)
