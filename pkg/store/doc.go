// Package store defines the contract between the gateway and a partitioned
// memory store: a Store executes one Operation against one named shard.
//
// Backends live in subpackages: memstore (in-process), sqlite (one database
// file per shard) and neo4j (HTTP transactional endpoint). Scoring helpers
// shared by every backend (recency relevance, decay, reinforcement) live here
// so the backends agree on the numbers.
package store
