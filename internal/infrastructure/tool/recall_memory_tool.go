package tool

import (
	"context"
	"fmt"
	"strings"

	domainmem "github.com/ngoclaw/ngoclaw/gateway/internal/domain/memory"
	domaintool "github.com/ngoclaw/ngoclaw/gateway/internal/domain/tool"
	"go.uber.org/zap"
)

// RecallMemoryTool is save_memory's read side: it loads the persisted fact
// store, indexes every fact through the in-memory vector store, and returns
// the facts most semantically similar to the query. Index build is per-call —
// the fact store is small (hundreds of entries at most) and may have been
// written by another session since the last call.
type RecallMemoryTool struct {
	logger *zap.Logger
}

// recallEmbeddingDim is the hash-embedding dimensionality; enough buckets
// that short fact sentences rarely collide.
const recallEmbeddingDim = 256

// NewRecallMemoryTool creates the recall_memory tool
func NewRecallMemoryTool(logger *zap.Logger) *RecallMemoryTool {
	return &RecallMemoryTool{logger: logger}
}

func (t *RecallMemoryTool) Name() string          { return "recall_memory" }
func (t *RecallMemoryTool) Kind() domaintool.Kind { return domaintool.KindThink }
func (t *RecallMemoryTool) Description() string {
	return "Search long-term memory for facts relevant to a query. Use this before asking the user " +
		"something they may have already told you: preferences, environment details, project decisions."
}

func (t *RecallMemoryTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to look for, as a natural-language question or topic.",
			},
			"category": map[string]interface{}{
				"type":        "string",
				"description": "Optional category filter: preference, knowledge, context, behavior, goal.",
				"enum":        []string{"preference", "knowledge", "context", "behavior", "goal"},
			},
			"top_k": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of facts to return. Default: 5.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *RecallMemoryTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return &Result{Output: "Error: 'query' parameter is required", Success: false}, nil
	}

	category := ""
	if cat, ok := args["category"].(string); ok && ValidCategories[cat] {
		category = cat
	}

	topK := 5
	if k, ok := args["top_k"].(float64); ok && k > 0 {
		topK = int(k)
	}

	store, err := LoadMemoryStore()
	if err != nil {
		return &Result{Output: fmt.Sprintf("Failed to load memory: %v", err), Success: false}, nil
	}
	if len(store.Facts) == 0 {
		return &Result{Output: "No facts in long-term memory yet.", Success: true}, nil
	}

	manager := domainmem.NewMemoryManager(
		domainmem.NewInMemoryVectorStore(),
		domainmem.NewSimpleEmbedder(recallEmbeddingDim),
	)
	for _, fact := range store.Facts {
		if category != "" && fact.Category != category {
			continue
		}
		if _, err := manager.Remember(ctx, fact.Content, map[string]interface{}{
			"category":   fact.Category,
			"confidence": fact.Confidence,
			"created_at": fact.CreatedAt,
		}); err != nil {
			t.logger.Warn("Failed to index memory fact", zap.String("id", fact.ID), zap.Error(err))
		}
	}

	hits, err := manager.Recall(ctx, query, topK, nil)
	if err != nil {
		return &Result{Output: fmt.Sprintf("Memory search failed: %v", err), Success: false}, nil
	}
	if len(hits) == 0 {
		return &Result{Output: "No matching facts found.", Success: true}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d relevant fact(s):\n", len(hits))
	for _, h := range hits {
		cat, _ := h.Metadata["category"].(string)
		fmt.Fprintf(&sb, "- [%s] %s (similarity %.2f)\n", cat, h.Content, h.Score)
	}
	return &Result{
		Output:  sb.String(),
		Display: fmt.Sprintf("🔍 Recalled %d fact(s) for %q", len(hits), query),
		Success: true,
	}, nil
}
