// Package storex declares the three narrow storage contracts memento's
// services depend on. Adapters own their connection pool and expose no
// domain logic; callers assemble domain behavior on top of query/
// transaction primitives.
package storex

import (
	"context"
	"time"
)

// Row is one result row from a graph or relational query, keyed by column
// or property name.
type Row map[string]interface{}

// VectorMatch is one hit from a vector similarity search.
type VectorMatch struct {
	ID       string
	Score    float64
	Metadata map[string]interface{}
}

// ScrollResult is a page of vector points for scrollVectors.
type ScrollResult struct {
	Points []VectorMatch
	Total  int
}

// GraphStore is the contract consumed by every knowledge-graph service:
// parametric queries, transactions, and a vector-similarity sidecar.
type GraphStore interface {
	Initialize(ctx context.Context) error
	Close() error
	IsInitialized() bool
	HealthCheck(ctx context.Context) error

	Query(ctx context.Context, statement string, params map[string]interface{}) ([]Row, error)
	Transaction(ctx context.Context, fn func(tx GraphTx) error) error

	SetupGraph(ctx context.Context) error
	SetupVectorIndexes(ctx context.Context, dimensions int) error

	UpsertVector(ctx context.Context, collection, id string, vector []float32, metadata map[string]interface{}) error
	SearchVector(ctx context.Context, collection string, vector []float32, limit int, filter map[string]interface{}) ([]VectorMatch, error)
	DeleteVector(ctx context.Context, collection, id string) error
	ScrollVectors(ctx context.Context, collection string, limit, offset int) (ScrollResult, error)
}

// GraphTx is a graph store transaction handle: the same query surface as
// GraphStore, scoped to one atomic unit of work.
type GraphTx interface {
	Query(ctx context.Context, statement string, params map[string]interface{}) ([]Row, error)
}

// QueryOptions carries the optional per-call knobs a relational query may
// set (timeout, isolation level).
type QueryOptions struct {
	Timeout        time.Duration
	IsolationLevel string
}

// RelationalStore is the contract consumed by the session checkpoint job
// runner and auxiliary telemetry.
type RelationalStore interface {
	Initialize(ctx context.Context) error
	Close() error
	IsInitialized() bool
	HealthCheck(ctx context.Context) error

	Query(ctx context.Context, sql string, params []interface{}, opts QueryOptions) ([]Row, error)
	Transaction(ctx context.Context, fn func(tx RelationalTx) error, opts QueryOptions) error
	BulkQuery(ctx context.Context, statements []BulkStatement) error
	SetupSchema(ctx context.Context) error
}

// BulkStatement is one statement in a RelationalStore.BulkQuery batch.
type BulkStatement struct {
	SQL    string
	Params []interface{}
}

// RelationalTx is a relational store transaction handle.
type RelationalTx interface {
	Query(ctx context.Context, sql string, params []interface{}) ([]Row, error)
}

// ScoredMember is one member of a KV store sorted set.
type ScoredMember struct {
	Member string
	Score  float64
}

// KVStore is the contract consumed exclusively by the Session Manager:
// simple key/value, sorted sets, and pub/sub channels.
type KVStore interface {
	Initialize(ctx context.Context) error
	Close() error
	IsInitialized() bool
	HealthCheck(ctx context.Context) error

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key string, values map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	ZAdd(ctx context.Context, key string, member string, score float64) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error)

	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is an active KV store pub/sub subscription.
type Subscription interface {
	Channel() <-chan string
	Close() error
}
