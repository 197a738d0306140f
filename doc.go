/*
 *
 * Copyright 2024 The CatalogDB Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# CatalogDB: the metadata and authorization core of a geo-redundant scientific data catalog

## Data Model

* Node, a typed vertex of the resource graph: hierarchy resources (Project,
Collection, Dataset, Object), subjects (User, ServiceAccount, Group) and
Endpoint descriptors, each with a typed attribute payload.

* Relation, a typed directed edge between two nodes. BELONGS_TO edges form a
forest rooted at Projects; the remaining builtin and custom relations carry
provenance and grouping semantics without joining the hierarchy.

* Grant, a permission level (DENY..ADMIN) a subject holds on a resource,
optionally cascading down the BELONGS_TO tree.

* Event, an immutable record of a committed mutation, sequenced gap-free per
project. Consumers read the log through durable cursors with subtree filters.

* Sync operation, the tracked state of replicating a resource subtree to a
remote endpoint (Started/Polling/Completed/Failed).

## Architecture

All mutations flow through a consensus group: the server validates and
proposes, a per-module applier commits graph rows, event rows and the apply
watermark in one write batch. Reads are served from in-memory indexes rebuilt
from the kv store at startup.

### Replication

single raft group per deployment (etcd raft), with an in-memory group for
embedded and test use

### Storage

rocksdb, one column family per module

## Building Blocks

* etcd raft
* Rocksdb
* Prometheus

*/

package catalogdb
