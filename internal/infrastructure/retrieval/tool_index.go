// Package retrieval implements the Tool Selector's (C4) retrieval strategy:
// ranking candidate tools by cosine similarity of their stored description
// embedding against a query embedding. Grounded on
// infrastructure/vectorstore/lancedb_store.go's Arrow/LanceDB wrapper
// (generalized from a "memories" table to a "tool_embeddings" table) and on
// infrastructure/embedding/ollama_embedder.go for the EmbeddingProvider.
package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	arrowmem "github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/lancedb/lancedb-go/pkg/contracts"
	"github.com/lancedb/lancedb-go/pkg/lancedb"
	"go.uber.org/zap"

	"github.com/agentkernel/gateway/internal/domain/memory"
)

const toolTableName = "tool_embeddings"

// ToolIndex stores and searches tool description embeddings.
type ToolIndex interface {
	Upsert(ctx context.Context, toolID, name, description string, embedding []float32) error
	Search(ctx context.Context, query []float32, topK int, candidateNames map[string]bool) ([]string, error)
}

// LanceDBToolIndex implements ToolIndex over a dedicated LanceDB table,
// separate from the long-term memory table so tool-catalog churn never
// competes with conversational memory for the same index.
type LanceDBToolIndex struct {
	conn      contracts.IConnection
	table     contracts.ITable
	dimension int
	logger    *zap.Logger
}

// NewLanceDBToolIndex opens (or creates) the tool_embeddings table at storePath.
func NewLanceDBToolIndex(storePath string, dimension int, logger *zap.Logger) (*LanceDBToolIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	absPath, err := filepath.Abs(storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tool index path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tool index directory: %w", err)
	}

	ctx := context.Background()
	conn, err := lancedb.Connect(ctx, absPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LanceDB at %s: %w", absPath, err)
	}

	fields := []arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "description", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(dimension), arrow.PrimitiveTypes.Float32), Nullable: false},
	}
	schema := arrow.NewSchema(fields, nil)

	table, err := conn.OpenTable(ctx, toolTableName)
	if err != nil {
		lanceSchema, err2 := lancedb.NewSchema(schema)
		if err2 != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to build tool index schema: %w", err2)
		}
		table, err = conn.CreateTable(ctx, toolTableName, lanceSchema)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create tool index table: %w", err)
		}
	}

	return &LanceDBToolIndex{conn: conn, table: table, dimension: dimension, logger: logger}, nil
}

// Upsert replaces the row for toolID (delete-then-insert, matching
// LanceDBVectorStore.Update's idiom since LanceDB has no native upsert).
func (idx *LanceDBToolIndex) Upsert(ctx context.Context, toolID, name, description string, embedding []float32) error {
	_ = idx.table.Delete(ctx, fmt.Sprintf("id = '%s'", toolID))

	pool := arrowmem.NewGoAllocator()
	idBuilder := array.NewStringBuilder(pool)
	nameBuilder := array.NewStringBuilder(pool)
	descBuilder := array.NewStringBuilder(pool)
	vecBuilder := array.NewFixedSizeListBuilder(pool, int32(idx.dimension), arrow.PrimitiveTypes.Float32)

	idBuilder.Append(toolID)
	nameBuilder.Append(name)
	descBuilder.Append(description)
	vecBuilder.Append(true)
	valueBuilder := vecBuilder.ValueBuilder().(*array.Float32Builder)
	for _, v := range embedding {
		valueBuilder.Append(v)
	}

	fields := []arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String},
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "description", Type: arrow.BinaryTypes.String},
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(idx.dimension), arrow.PrimitiveTypes.Float32)},
	}
	schema := arrow.NewSchema(fields, nil)
	record := array.NewRecord(schema, []arrow.Array{
		idBuilder.NewArray(), nameBuilder.NewArray(), descBuilder.NewArray(), vecBuilder.NewArray(),
	}, 1)
	defer record.Release()

	return idx.table.Add(ctx, record, nil)
}

// Search returns candidate tool names ranked by similarity to query,
// restricted to candidateNames (the pre-filtered set from §4.4 step 3).
func (idx *LanceDBToolIndex) Search(ctx context.Context, query []float32, topK int, candidateNames map[string]bool) ([]string, error) {
	// Over-fetch since LanceDB can't filter by an arbitrary in-memory set;
	// the candidate-set intersection happens after ranking.
	fetch := topK * 4
	if fetch < 32 {
		fetch = 32
	}
	results, err := idx.table.VectorSearch(ctx, "vector", query, fetch)
	if err != nil {
		return nil, fmt.Errorf("tool index vector search failed: %w", err)
	}
	out := make([]string, 0, topK)
	for _, row := range results {
		name, _ := row["name"].(string)
		if name == "" || (candidateNames != nil && !candidateNames[name]) {
			continue
		}
		out = append(out, name)
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}

// Close releases LanceDB resources.
func (idx *LanceDBToolIndex) Close() error {
	if idx.table != nil {
		idx.table.Close()
	}
	if idx.conn != nil {
		idx.conn.Close()
	}
	return nil
}

// EmbeddingProvider re-exports the memory package's provider interface so
// callers in this package don't need to import domain/memory directly for
// the common case.
type EmbeddingProvider = memory.EmbeddingProvider
