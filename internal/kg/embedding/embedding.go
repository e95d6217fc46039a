// Package embedding implements the Embedding Service: a deterministic
// caching wrapper over an injected embedding provider, with batching,
// cost accounting, and a pseudo-embedding fallback for when no provider
// is configured.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"memento/internal/config"
	"memento/internal/logging"
)

// Provider generates vector embeddings for text. A real implementation
// wraps an HTTP or SDK-backed embedding API; the zero value of this
// package runs entirely on the deterministic fallback instead.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// HealthChecker is an optional capability a Provider may implement so the
// service can verify reachability before a batch run.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Usage reports token accounting for one embedding call.
type Usage struct {
	PromptTokens int
	TotalTokens  int
}

// Result is the outcome of generateEmbedding.
type Result struct {
	Embedding []float32
	Content   string
	Model     string
	Usage     Usage
}

// BatchResult is the outcome of generateEmbeddingsBatch.
type BatchResult struct {
	Results        []Result
	TotalTokens    int
	TotalCost      float64
	ProcessingTime time.Duration
}

// pricePerToken is a hard-coded model -> USD-per-token table. Unlisted
// models fall back to the cheapest listed price.
var pricePerToken = map[string]float64{
	"text-embedding-3-small": 0.00000002,
	"text-embedding-3-large": 0.00000013,
	"embeddinggemma":         0.0,
}

func priceFor(model string) float64 {
	if p, ok := pricePerToken[model]; ok {
		return p
	}
	min := pricePerToken["text-embedding-3-small"]
	for _, p := range pricePerToken {
		if p < min {
			min = p
		}
	}
	return min
}

type cacheEntry struct {
	embedding []float32
	usage     Usage
}

// Service implements the Embedding Service operations.
type Service struct {
	cfg      config.EmbeddingConfig
	provider Provider

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates an Embedding Service. provider may be nil, in which case
// every call is served by the deterministic pseudo-embedding fallback.
func New(cfg config.EmbeddingConfig, provider Provider) *Service {
	return &Service{cfg: cfg, provider: provider, cache: make(map[string]cacheEntry)}
}

func (s *Service) dimensions() int {
	if s.provider != nil {
		return s.provider.Dimensions()
	}
	if s.cfg.Dimensions > 0 {
		return s.cfg.Dimensions
	}
	return 1536
}

func (s *Service) model() string {
	if s.cfg.Model != "" {
		return s.cfg.Model
	}
	return "text-embedding-3-small"
}

func cacheKey(model, content string) string {
	sum := sha256.Sum256([]byte(content))
	return model + ":" + hex.EncodeToString(sum[:])
}

// estimateTokens is a rough content-length heuristic, not a tokenizer.
func estimateTokens(content string) int {
	n := len(content) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// pseudoEmbedding derives a deterministic unit-ish vector from the
// content hash so callers remain exercisable without a live provider.
func pseudoEmbedding(content string, dims int) []float32 {
	sum := sha256.Sum256([]byte(content))
	out := make([]float32, dims)
	for i := 0; i < dims; i++ {
		b := sum[i%len(sum):]
		var v uint32
		if len(b) >= 4 {
			v = binary.LittleEndian.Uint32(b[:4])
		} else {
			padded := make([]byte, 4)
			copy(padded, b)
			v = binary.LittleEndian.Uint32(padded)
		}
		out[i] = (float32(v%2000)/1000.0 - 1.0)
	}
	return out
}

func (s *Service) embedOne(ctx context.Context, content string) ([]float32, error) {
	if s.provider == nil {
		return pseudoEmbedding(content, s.dimensions()), nil
	}
	vec, err := s.withRetry(ctx, func() ([]float32, error) {
		return s.provider.Embed(ctx, content)
	})
	if err != nil {
		dims := s.cfg.Dimensions
		if dims <= 0 {
			dims = s.dimensions()
		}
		logging.Get(logging.CategoryEmbedding).Warn("embedding provider failed, falling back to pseudo-embedding: %v", err)
		return pseudoEmbedding(content, dims), nil
	}
	return vec, nil
}

func (s *Service) withRetry(ctx context.Context, fn func() ([]float32, error)) ([]float32, error) {
	maxRetries := s.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	delay := s.cfg.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		vec, err := fn()
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}
		wait := delay * time.Duration(1<<uint(attempt))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("embedding provider exhausted %d retries: %w", maxRetries, lastErr)
}

// GenerateEmbedding embeds content, consulting and populating the
// content-hash cache. entityID is accepted for call-site symmetry with
// the ingestion pipeline but does not affect the cache key: identical
// content always returns the identical cached embedding regardless of
// which entity it's attached to.
func (s *Service) GenerateEmbedding(ctx context.Context, content string, entityID string) (*Result, error) {
	model := s.model()
	key := cacheKey(model, content)

	s.mu.Lock()
	if cached, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return &Result{Embedding: cached.embedding, Content: content, Model: model, Usage: cached.usage}, nil
	}
	s.mu.Unlock()

	vec, err := s.embedOne(ctx, content)
	if err != nil {
		return nil, err
	}

	tokens := estimateTokens(content)
	usage := Usage{PromptTokens: tokens, TotalTokens: tokens}

	s.mu.Lock()
	s.cache[key] = cacheEntry{embedding: vec, usage: usage}
	s.mu.Unlock()

	return &Result{Embedding: vec, Content: content, Model: model, Usage: usage}, nil
}

// GenerateEmbeddingsBatch embeds every input, processing in batches of
// cfg.BatchSize and sleeping cfg.RateLimitDelay between batches.
func (s *Service) GenerateEmbeddingsBatch(ctx context.Context, inputs []string) (*BatchResult, error) {
	start := time.Now()
	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	model := s.model()
	price := priceFor(model)

	results := make([]Result, 0, len(inputs))
	totalTokens := 0

	for i := 0; i < len(inputs); i += batchSize {
		end := i + batchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		for _, content := range inputs[i:end] {
			res, err := s.GenerateEmbedding(ctx, content, "")
			if err != nil {
				return nil, err
			}
			results = append(results, *res)
			totalTokens += res.Usage.TotalTokens
		}
		if end < len(inputs) && s.cfg.RateLimitDelay > 0 {
			timer := time.NewTimer(s.cfg.RateLimitDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return &BatchResult{
		Results:        results,
		TotalTokens:    totalTokens,
		TotalCost:      float64(totalTokens) * price,
		ProcessingTime: time.Since(start),
	}, nil
}

// HealthCheck reports whether the underlying provider is reachable. A
// nil provider, or one that doesn't implement HealthChecker, is always
// considered healthy since the deterministic fallback never fails.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	if hc, ok := s.provider.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Dimensions reports the embedding width in effect.
func (s *Service) Dimensions() int {
	return s.dimensions()
}
