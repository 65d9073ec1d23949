package tools

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/foremanhq/foreman/internal/config"
)

// knowledgeIndex is the in-memory embedding index for one knowledge
// base. The SQLite connection is shared and the driver is not safe for
// concurrent use on one conn, so a mutex serializes both loading and
// queries.
type knowledgeIndex struct {
	path       string
	dimensions int
	cooldown   time.Duration

	mu        sync.Mutex
	conn      *sql.DB
	vectors   [][]float32
	chunkIDs  []string
	sources   []string
	loaded    bool
	failedAt  time.Time
	lastError string
}

// load opens the database and reads every embedded chunk. Failed loads
// are retried only after the cooldown.
func (idx *knowledgeIndex) load() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.loaded {
		return nil
	}
	if !idx.failedAt.IsZero() && time.Since(idx.failedAt) < idx.cooldown {
		return fmt.Errorf("knowledge base unavailable (cooldown): %s", idx.lastError)
	}

	if idx.conn != nil {
		idx.conn.Close()
		idx.conn = nil
	}

	err := idx.loadLocked()
	if err != nil {
		idx.failedAt = time.Now()
		idx.lastError = err.Error()
		log.Printf("[tools] load knowledge index %s: %v", idx.path, err)
		return err
	}
	idx.loaded = true
	return nil
}

func (idx *knowledgeIndex) loadLocked() error {
	conn, err := sql.Open("sqlite3", idx.path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	rows, err := conn.Query(`SELECT id, source, embedding FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read chunks: %w", err)
	}
	defer rows.Close()

	idx.chunkIDs = nil
	idx.sources = nil
	idx.vectors = nil
	for rows.Next() {
		var id string
		var source sql.NullString
		var blob []byte
		if err := rows.Scan(&id, &source, &blob); err != nil {
			conn.Close()
			return fmt.Errorf("scan chunk: %w", err)
		}
		vec, err := decodeVector(blob, idx.dimensions)
		if err != nil {
			continue
		}
		normalize(vec)
		idx.chunkIDs = append(idx.chunkIDs, id)
		idx.sources = append(idx.sources, source.String)
		idx.vectors = append(idx.vectors, vec)
	}
	if err := rows.Err(); err != nil {
		conn.Close()
		return err
	}

	idx.conn = conn
	return nil
}

// query runs a read on the shared connection under the index mutex.
func (idx *knowledgeIndex) query(fn func(conn *sql.DB) error) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.conn == nil {
		return fmt.Errorf("knowledge base not loaded")
	}
	return fn(idx.conn)
}

// search scores every chunk against the query vector and returns the
// top K chunk IDs with scores.
func (idx *knowledgeIndex) search(queryVec []float32, topK int, sourceFilter string) ([]string, map[string]float64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	type scored struct {
		id    string
		score float64
	}
	var results []scored
	for i, vec := range idx.vectors {
		if sourceFilter != "" && idx.sources[i] != sourceFilter {
			continue
		}
		results = append(results, scored{id: idx.chunkIDs[i], score: dot(vec, queryVec)})
	}
	sort.Slice(results, func(a, b int) bool { return results[a].score > results[b].score })
	if len(results) > topK {
		results = results[:topK]
	}

	ids := make([]string, 0, len(results))
	scores := make(map[string]float64, len(results))
	for _, r := range results {
		ids = append(ids, r.id)
		scores[r.id] = r.score
	}
	return ids, scores
}

func decodeVector(blob []byte, dims int) ([]float32, error) {
	if len(blob) != dims*4 {
		return nil, fmt.Errorf("embedding size %d does not match %d dimensions", len(blob), dims)
	}
	vec := make([]float32, dims)
	for i := 0; i < dims; i++ {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

func dot(a []float32, b []float32) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// knowledgeCache lazily opens knowledge bases by name; both search
// tools share one cache so each database loads once.
type knowledgeCache struct {
	cfg *config.Config

	mu      sync.Mutex
	indexes map[string]*knowledgeIndex
}

func newKnowledgeCache(cfg *config.Config) *knowledgeCache {
	return &knowledgeCache{cfg: cfg, indexes: make(map[string]*knowledgeIndex)}
}

// get returns the loaded index for a database name, or an error when
// the name is unknown or loading failed.
func (c *knowledgeCache) get(name string) (*knowledgeIndex, error) {
	c.mu.Lock()
	idx, ok := c.indexes[name]
	if !ok {
		path, configured := c.cfg.Knowledge.Databases[name]
		if !configured {
			c.mu.Unlock()
			return nil, fmt.Errorf("unknown knowledge base %q", name)
		}
		idx = &knowledgeIndex{
			path:       path,
			dimensions: c.cfg.Knowledge.EmbedDimensions,
			cooldown:   c.cfg.Knowledge.ReloadCooldown,
		}
		c.indexes[name] = idx
	}
	c.mu.Unlock()

	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

// chunkRow is one formatted knowledge chunk.
type chunkRow struct {
	id       string
	source   string
	typeName string
	filePath string
	text     string
}

// formatChunks renders chunk rows the way agents expect to read them.
func formatChunks(idx *knowledgeIndex, ids []string, scores map[string]float64) string {
	var parts []string
	for _, id := range ids {
		var row chunkRow
		err := idx.query(func(conn *sql.DB) error {
			var source, typeName, filePath sql.NullString
			r := conn.QueryRow(
				`SELECT id, source, type_name, file_path, text FROM chunks WHERE id = ?`, id)
			if err := r.Scan(&row.id, &source, &typeName, &filePath, &row.text); err != nil {
				return err
			}
			row.source = source.String
			row.typeName = typeName.String
			row.filePath = filePath.String
			return nil
		})
		if err != nil {
			continue
		}

		var header []string
		if row.source != "" {
			header = append(header, "Source: "+row.source)
		}
		if row.typeName != "" {
			header = append(header, "Type: "+row.typeName)
		}
		if row.filePath != "" {
			header = append(header, "File: "+row.filePath)
		}
		scoreStr := ""
		if score, ok := scores[id]; ok {
			scoreStr = fmt.Sprintf(" (score: %.3f)", score)
		}
		parts = append(parts, fmt.Sprintf("--- [%s]%s ---\n%s", strings.Join(header, " | "), scoreStr, row.text))
	}
	if len(parts) == 0 {
		return "No results found."
	}
	return strings.Join(parts, "\n\n")
}

var (
	ftsSpecialChars = regexp.MustCompile(`[*()+"^:]`)
	ftsKeywords     = regexp.MustCompile(`(?i)\b(AND|OR|NOT|NEAR)\b`)
	ftsLooseDashes  = regexp.MustCompile(`(^|\s)-|-(\s|$)`)
)

// sanitizeFTSQuery strips FTS5 operators and wraps the remainder as a
// quoted phrase. Returns "" when nothing usable remains.
func sanitizeFTSQuery(raw string) string {
	cleaned := ftsSpecialChars.ReplaceAllString(raw, " ")
	cleaned = ftsKeywords.ReplaceAllString(cleaned, " ")
	cleaned = ftsLooseDashes.ReplaceAllString(cleaned, " ")
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		return ""
	}
	return `"` + strings.ReplaceAll(cleaned, `"`, `""`) + `"`
}

// SearchKnowledgeTool does semantic search over a knowledge base.
type SearchKnowledgeTool struct {
	cache    *knowledgeCache
	embedder Embedder
}

// NewSearchKnowledgeTool creates the tool over a shared cache.
func NewSearchKnowledgeTool(cache *knowledgeCache, embedder Embedder) *SearchKnowledgeTool {
	return &SearchKnowledgeTool{cache: cache, embedder: embedder}
}

func (t *SearchKnowledgeTool) Name() string { return "search_knowledge" }

func (t *SearchKnowledgeTool) Description() string {
	return "Semantic search across the configured knowledge bases. " +
		"Use this to find code patterns, API signatures, and documentation."
}

func (t *SearchKnowledgeTool) Properties() map[string]any {
	return map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "Natural language search query",
		},
		"database": map[string]any{
			"type":        "string",
			"description": "Which knowledge base to search",
		},
		"top_k": map[string]any{
			"type":        "integer",
			"description": "Number of results (max 20)",
		},
		"source_filter": map[string]any{
			"type":        "string",
			"description": "Filter by source tag",
		},
	}
}

func (t *SearchKnowledgeTool) Required() []string { return []string{"query", "database"} }

// Execute embeds the query and ranks chunks by cosine similarity.
func (t *SearchKnowledgeTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	query := stringParam(params, "query", "")
	dbName := stringParam(params, "database", "")
	if query == "" || dbName == "" {
		return "", fmt.Errorf("query and database are required")
	}
	topK := clamp(intParam(params, "top_k", 5), 1, 20)

	idx, err := t.cache.get(dbName)
	if err != nil {
		return fmt.Sprintf("Error: knowledge base %q not available: %v", dbName, err), nil
	}

	queryVec, err := t.embedder.Embed(ctx, "search_query: "+query)
	if err != nil {
		return "Error: could not generate embedding. Is the local model running?", nil
	}
	normalize(queryVec)

	ids, scores := idx.search(queryVec, topK, stringParam(params, "source_filter", ""))
	return formatChunks(idx, ids, scores), nil
}

// LookupTypeTool finds a type/class/function by exact name, falling
// back to substring and FTS matches.
type LookupTypeTool struct {
	cache *knowledgeCache
}

// NewLookupTypeTool creates the tool over a shared cache.
func NewLookupTypeTool(cache *knowledgeCache) *LookupTypeTool {
	return &LookupTypeTool{cache: cache}
}

func (t *LookupTypeTool) Name() string { return "lookup_type" }

func (t *LookupTypeTool) Description() string {
	return "Look up a specific type, class, or API by exact name in a " +
		"knowledge base. Uses keyword matching for precision."
}

func (t *LookupTypeTool) Properties() map[string]any {
	return map[string]any{
		"name": map[string]any{
			"type":        "string",
			"description": "The type/class/function name to look up",
		},
		"database": map[string]any{
			"type":        "string",
			"description": "Which knowledge base to search",
		},
		"top_k": map[string]any{
			"type":        "integer",
			"description": "Number of results",
		},
	}
}

func (t *LookupTypeTool) Required() []string { return []string{"name", "database"} }

// Execute tries exact, substring, FTS, and body-text matches in order.
func (t *LookupTypeTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	name := stringParam(params, "name", "")
	dbName := stringParam(params, "database", "")
	if name == "" || dbName == "" {
		return "", fmt.Errorf("name and database are required")
	}
	topK := clamp(intParam(params, "top_k", 5), 1, 20)

	idx, err := t.cache.get(dbName)
	if err != nil {
		return fmt.Sprintf("Error: knowledge base %q not available: %v", dbName, err), nil
	}

	queries := []struct {
		sql  string
		args []any
	}{
		{`SELECT id FROM chunks WHERE type_name = ? LIMIT ?`, []any{name, topK}},
		{`SELECT id FROM chunks WHERE INSTR(LOWER(type_name), LOWER(?)) > 0 LIMIT ?`, []any{name, topK}},
	}
	if safe := sanitizeFTSQuery(name); safe != "" {
		queries = append(queries, struct {
			sql  string
			args []any
		}{`SELECT chunks.id FROM chunks_fts JOIN chunks ON chunks.rowid = chunks_fts.rowid
			WHERE chunks_fts MATCH ? LIMIT ?`, []any{safe, topK}})
	}
	queries = append(queries, struct {
		sql  string
		args []any
	}{`SELECT id FROM chunks WHERE INSTR(LOWER(text), LOWER(?)) > 0 LIMIT ?`, []any{name, topK}})

	for _, q := range queries {
		ids := t.collectIDs(idx, q.sql, q.args)
		if len(ids) > 0 {
			return formatChunks(idx, ids, nil), nil
		}
	}
	return fmt.Sprintf("No results for %q.", name), nil
}

func (t *LookupTypeTool) collectIDs(idx *knowledgeIndex, query string, args []any) []string {
	var ids []string
	_ = idx.query(func(conn *sql.DB) error {
		rows, err := conn.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
