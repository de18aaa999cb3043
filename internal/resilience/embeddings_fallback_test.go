package resilience

import (
	"context"
	"errors"
	"testing"

	embeddingsmock "github.com/careline-ai/careline/pkg/provider/embeddings/mock"
)

func TestEmbeddingsFallback_Embed_PrimarySuccess(t *testing.T) {
	primary := &embeddingsmock.Provider{EmbedResult: []float32{0.1, 0.2}}
	secondary := &embeddingsmock.Provider{EmbedResult: []float32{0.9, 0.9}}

	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	vec, err := fb.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.1 {
		t.Fatalf("vec = %v, want primary's result", vec)
	}
	if len(primary.EmbedCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.EmbedCalls))
	}
	if len(secondary.EmbedCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.EmbedCalls))
	}
}

func TestEmbeddingsFallback_Embed_Failover(t *testing.T) {
	primary := &embeddingsmock.Provider{EmbedErr: errors.New("primary down")}
	secondary := &embeddingsmock.Provider{EmbedResult: []float32{0.5, 0.5}}

	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	vec, err := fb.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 {
		t.Fatalf("vec = %v, want secondary's result", vec)
	}
	if len(secondary.EmbedCalls) != 1 {
		t.Fatalf("secondary called %d times, want 1", len(secondary.EmbedCalls))
	}
}

func TestEmbeddingsFallback_Embed_AllFail(t *testing.T) {
	primary := &embeddingsmock.Provider{EmbedErr: errors.New("primary down")}
	secondary := &embeddingsmock.Provider{EmbedErr: errors.New("secondary down")}

	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Embed(context.Background(), "hello")
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestEmbeddingsFallback_Dimensions(t *testing.T) {
	primary := &embeddingsmock.Provider{DimensionsValue: 1536, ModelIDValue: "text-embedding-3-small"}
	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{})

	if got := fb.Dimensions(); got != 1536 {
		t.Fatalf("Dimensions() = %d, want 1536", got)
	}
	if got := fb.ModelID(); got != "text-embedding-3-small" {
		t.Fatalf("ModelID() = %q, want %q", got, "text-embedding-3-small")
	}
}
