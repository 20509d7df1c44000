package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// GuardrailClient classifies text against an external moderation
// endpoint for the llm_guardrail extension predicate.
type GuardrailClient interface {
	Classify(ctx context.Context, endpoint, evaluator, text string) (flagged bool, err error)
}

// EmbeddingProvider computes a text embedding for semantic_match.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// embeddingCache is the subset of infrastructure/cache.EmbeddingCache
// the semantic matcher needs, kept narrow so tests can fake it.
type embeddingCache interface {
	Get(textHash string) (interface{}, bool)
	Set(textHash string, value interface{}, ttl time.Duration)
}

// Policy resolves the three-level precedence spec.md §4.2
// describes for llm_guardrail's endpoint: rule-metadata key, then
// per-action-type map, then a global default.
type Policy struct {
	GlobalDefault   string
	PerActionType   map[string]string
	PluginFailOpen  map[string]bool // per wasm_plugin name; default true (fail-open)
	SemanticTopics  map[string][]float64
}

func (p Policy) resolveEndpoint(ruleMetadataKey, actionType string) string {
	if ruleMetadataKey != "" {
		return ruleMetadataKey
	}
	if ep, ok := p.PerActionType[actionType]; ok {
		return ep
	}
	return p.GlobalDefault
}

func (p Policy) failOpen(pluginName string) bool {
	if v, ok := p.PluginFailOpen[pluginName]; ok {
		return v
	}
	return true
}

// wasmPluginFunc returns the gval function backing `wasm_plugin(name,
// function)`. Sandbox errors are classified per plugin policy
// (default fail-open: condition treated as satisfied).
func (e *Engine) wasmPluginFunc() func(name, function string) bool {
	return func(name, function string) bool {
		if e.sandbox == nil {
			return e.policy.failOpen(name)
		}
		result, err := e.sandbox.Invoke(name, function, nil)
		if err != nil {
			return e.policy.failOpen(name)
		}
		return result.Verdict
	}
}

// llmGuardrailFunc returns the gval function backing
// `llm_guardrail(evaluator, text, block_on_flag, send_to?)`. The call
// to the classification endpoint is bounded by its own short timeout
// rather than the dispatch context, since gval functions only receive
// evaluated argument values.
func (e *Engine) llmGuardrailFunc() func(evaluator, text string, blockOnFlag bool, sendTo ...string) (bool, error) {
	return func(evaluator, text string, blockOnFlag bool, sendTo ...string) (bool, error) {
		if e.guardrail == nil {
			// No guardrail client configured: fail open, treat the
			// text as unflagged rather than silently blocking.
			return true, nil
		}
		var ruleKey string
		if len(sendTo) > 0 {
			ruleKey = sendTo[0]
		}
		endpoint := e.policy.resolveEndpoint(ruleKey, "")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		flagged, err := e.guardrail.Classify(ctx, endpoint, evaluator, text)
		if err != nil {
			return false, fmt.Errorf("llm_guardrail: %w", err)
		}
		if flagged && blockOnFlag {
			return false, nil
		}
		return true, nil
	}
}

// semanticMatchFunc returns the gval function backing
// `semantic_match(text_field, topic, threshold)`: cosine similarity
// over a cached embedding of text_field against the topic's reference
// vector.
func (e *Engine) semanticMatchFunc() func(text, topic string, threshold float64) (bool, error) {
	return func(text, topic string, threshold float64) (bool, error) {
		ref, ok := e.policy.SemanticTopics[topic]
		if !ok {
			return false, fmt.Errorf("semantic_match: unknown topic %q", topic)
		}
		if e.embedder == nil {
			return false, fmt.Errorf("semantic_match: no embedding provider configured")
		}

		sum := sha256.Sum256([]byte(text))
		hash := hex.EncodeToString(sum[:])

		var vec []float64
		if cached, ok := e.embedCache.Get(hash); ok {
			vec, _ = cached.([]float64)
		}
		if vec == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			v, err := e.embedder.Embed(ctx, text)
			cancel()
			if err != nil {
				return false, fmt.Errorf("semantic_match: embed: %w", err)
			}
			vec = v
			e.embedCache.Set(hash, vec, 0)
		}
		return cosineSimilarity(vec, ref) >= threshold, nil
	}
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
