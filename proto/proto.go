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

package proto

import (
	"github.com/google/uuid"
)

const ReqIdKey = "req-id"

type (
	// ID is the stable 128-bit identifier of a graph node. It never changes
	// once the node is created.
	ID = uuid.UUID

	// Sequence numbers order committed events within one project.
	Sequence = uint64

	// RelationID indexes a relation name in the relation registry.
	RelationID = uint32
)

func NewID() ID {
	return uuid.New()
}

func ParseID(s string) (ID, error) {
	return uuid.Parse(s)
}
