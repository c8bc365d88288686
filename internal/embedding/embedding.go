// Package embedding converts text into vectors via a pluggable provider, batching,
// retrying, and L2-normalizing the way the teacher's internal/rag/embedder package wraps
// its HTTP embedding client, generalized to multiple concrete providers.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"ragvault/internal/config"
)

// ErrNonTransient marks a provider error that should not be retried (authentication,
// bad request, invalid model).
var ErrNonTransient = errors.New("embedding: non-transient provider error")

// MaxBatchSize bounds a single provider call, per spec.md §4.5.
const MaxBatchSize = 50

const maxAttempts = 3

// Kind distinguishes a passage embedding (stored content) from a query embedding, since some
// provider models are prefix-sensitive ("query: " vs "passage: ").
type Kind int

const (
	KindPassage Kind = iota
	KindQuery
)

// Provider is implemented per embedding backend (OpenAI, a generic HTTP endpoint, ...).
// EmbedBatch must return exactly one vector per input text, in order.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string, kind Kind) ([][]float32, error)
	Dimensions() int
	Name() string
}

// Client batches, retries, and normalizes calls to a single Provider.
type Client struct {
	provider  Provider
	batchSize int
	sleep     time.Duration
}

// New constructs a Client around provider, using cfg's batch size (capped at MaxBatchSize)
// and a small inter-batch sleep to respect provider rate limits.
func New(provider Provider, cfg config.EmbeddingConfig) *Client {
	batch := cfg.BatchSize
	if batch <= 0 || batch > MaxBatchSize {
		batch = MaxBatchSize
	}
	return &Client{provider: provider, batchSize: batch, sleep: 200 * time.Millisecond}
}

// Embed returns one unit-L2-normalized vector per text, batching internally. Empty strings
// yield the zero vector of the provider's dimensionality without invoking the provider.
func (c *Client) Embed(ctx context.Context, texts []string, kind Kind) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	dim := c.provider.Dimensions()

	var pending []string
	var pendingIdx []int
	for i, t := range texts {
		if t == "" {
			out[i] = make([]float32, dim)
			continue
		}
		pending = append(pending, t)
		pendingIdx = append(pendingIdx, i)
	}

	for start := 0; start < len(pending); start += c.batchSize {
		end := start + c.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		vecs, err := c.callWithRetry(ctx, batch, kind)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("embedding: provider %s returned %d vectors for %d inputs",
				c.provider.Name(), len(vecs), len(batch))
		}
		for j, v := range vecs {
			out[pendingIdx[start+j]] = normalize(v)
		}

		if end < len(pending) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.sleep):
			}
		}
	}
	return out, nil
}

func (c *Client) callWithRetry(ctx context.Context, batch []string, kind Kind) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		vecs, err := c.provider.EmbedBatch(ctx, batch, kind)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if errors.Is(err, ErrNonTransient) {
			return nil, err
		}
		if attempt == maxAttempts-1 {
			break
		}
		backoff := time.Duration(1<<uint(attempt)) * 250 * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("embedding: %s failed after %d attempts: %w", c.provider.Name(), maxAttempts, lastErr)
}

// normalize scales v to unit L2 length; the zero vector is returned unchanged.
func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	inv := float32(1.0 / math.Sqrt(sumSq))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}
