package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"agentcore/internal/logging"
	"agentcore/internal/observability"
	"agentcore/internal/policy"

	lru "github.com/hashicorp/golang-lru/v2"
	chromem "github.com/philippgille/chromem-go"
)

const (
	metaProvenance = "provenance"
	metaSeq        = "seq"
	metaCreatedAt  = "created_at"
)

// Record is one stored memory. Records are never mutated once ingested.
type Record struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Provenance string    `json:"provenance"`
	Embedding  []float32 `json:"-"`
	Seq        uint64    `json:"seq"`
	CreatedAt  time.Time `json:"created_at"`
}

// Match is a retrieved record with its cosine similarity to the query.
type Match struct {
	Record
	Similarity float32 `json:"similarity"`
}

// StoreConfig holds vector store configuration
type StoreConfig struct {
	PersistPath  string // empty keeps everything in memory
	Capacity     int
	ResultsLimit int
	Embedder     Embedder
	Metrics      *observability.MetricsCollector
	Logger       logging.Logger
}

// Store owns the chromem database and hands out one Index per collection.
type Store struct {
	db     *chromem.DB
	config StoreConfig
	logger logging.Logger

	mu      sync.Mutex
	indexes map[string]*Index
}

// NewStore opens the vector database described by config.
func NewStore(config StoreConfig) (*Store, error) {
	if config.Embedder == nil {
		return nil, errors.New("memory store requires an embedder")
	}
	if config.Capacity <= 0 {
		return nil, fmt.Errorf("memory capacity must be positive, got %d", config.Capacity)
	}
	if config.ResultsLimit <= 0 {
		return nil, fmt.Errorf("results limit must be positive, got %d", config.ResultsLimit)
	}

	var db *chromem.DB
	if config.PersistPath != "" {
		var err error
		db, err = chromem.NewPersistentDB(filepath.Join(config.PersistPath, "chromem.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("create persistent DB: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	return &Store{
		db:      db,
		config:  config,
		logger:  logging.OrNop(config.Logger),
		indexes: make(map[string]*Index),
	}, nil
}

// NewStoreFromPolicy builds the embedder and store the policy describes.
func NewStoreFromPolicy(p *policy.Policy, metrics *observability.MetricsCollector, logger logging.Logger) (*Store, error) {
	embedder, err := NewEmbedder(EmbedderConfig{
		Provider:   p.EmbeddingProvider(),
		Model:      p.EmbeddingModel(),
		APIKey:     p.EmbeddingAPIKey(),
		BaseURL:    p.EmbeddingURL(),
		Dimensions: p.EmbeddingDimensions(),
		Metrics:    metrics.Memory(),
	})
	if err != nil {
		return nil, err
	}
	return NewStore(StoreConfig{
		PersistPath:  p.MemoryPath(),
		Capacity:     p.MemoryCapacity(),
		ResultsLimit: p.ResultsLimit(),
		Embedder:     embedder,
		Metrics:      metrics,
		Logger:       logger,
	})
}

// Index returns the index for name, opening or creating its collection.
func (s *Store) Index(ctx context.Context, name string) (*Index, error) {
	if strings.TrimSpace(name) == "" {
		name = "default"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.indexes[name]; ok {
		return idx, nil
	}

	embedder := s.config.Embedder
	collection, err := s.db.GetOrCreateCollection(name, nil, func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	idx, err := newIndex(ctx, collection, s.config, s.logger)
	if err != nil {
		return nil, err
	}
	s.indexes[name] = idx
	return idx, nil
}

// Release drops the index for name along with its collection and any
// persisted records. Sessions release their index when they settle, which
// keeps the store bounded by the number of live sessions.
func (s *Store) Release(name string) error {
	if strings.TrimSpace(name) == "" {
		name = "default"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indexes[name]; !ok {
		return nil
	}
	delete(s.indexes, name)
	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	s.logger.Debug("Released memory index %s", name)
	return nil
}

// Open reports how many indexes are live.
func (s *Store) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.indexes)
}

// Search retrieves the k records of collection closest to query.
func (s *Store) Search(ctx context.Context, collection, query string, k int) ([]Match, error) {
	idx, err := s.Index(ctx, collection)
	if err != nil {
		return nil, err
	}
	return idx.Retrieve(ctx, query, k)
}

// Index is a capacity-bounded vector index over one collection. Writes are
// serialized; Retrieve runs under a read lock.
type Index struct {
	mu         sync.RWMutex
	collection *chromem.Collection
	embedder   Embedder
	recency    *lru.Cache[string, uint64]
	capacity   int
	limit      int
	seq        uint64
	metrics    *observability.MetricsCollector
	logger     logging.Logger
}

func newIndex(ctx context.Context, collection *chromem.Collection, config StoreConfig, logger logging.Logger) (*Index, error) {
	// One spare slot so the cache never evicts on its own; eviction goes
	// through evictOldest to keep chromem in step.
	recency, err := lru.New[string, uint64](config.Capacity + 1)
	if err != nil {
		return nil, fmt.Errorf("create recency cache: %w", err)
	}
	idx := &Index{
		collection: collection,
		embedder:   config.Embedder,
		recency:    recency,
		capacity:   config.Capacity,
		limit:      config.ResultsLimit,
		metrics:    config.Metrics,
		logger:     logger,
	}
	if err := idx.restore(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// restore rebuilds the recency order from a persisted collection, oldest
// ingest first.
func (i *Index) restore(ctx context.Context) error {
	count := i.collection.Count()
	if count == 0 {
		return nil
	}
	results, err := i.collection.Query(ctx, "memory", count, nil, nil)
	if err != nil {
		return fmt.Errorf("load persisted records: %w", err)
	}
	records := make([]Record, 0, len(results))
	for _, r := range results {
		records = append(records, recordFromResult(r))
	}
	sort.Slice(records, func(a, b int) bool { return records[a].Seq < records[b].Seq })
	for _, rec := range records {
		if i.recency.Len() >= i.capacity {
			if err := i.evictOldest(ctx); err != nil {
				return err
			}
		}
		i.recency.Add(rec.ID, rec.Seq)
		if rec.Seq > i.seq {
			i.seq = rec.Seq
		}
	}
	i.logger.Debug("restored %d memory records", i.recency.Len())
	return nil
}

// Ingest embeds and stores text, evicting the least recently used record
// when the index is full.
func (i *Index) Ingest(ctx context.Context, text, provenance string) (Record, error) {
	if strings.TrimSpace(text) == "" {
		return Record{}, errors.New("cannot ingest empty text")
	}
	vec, err := i.embedder.Embed(ctx, text)
	if err != nil {
		return Record{}, fmt.Errorf("embed record: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.recency.Len() >= i.capacity {
		if err := i.evictOldest(ctx); err != nil {
			return Record{}, err
		}
	}

	i.seq++
	rec := Record{
		ID:         NewID(),
		Text:       text,
		Provenance: provenance,
		Embedding:  vec,
		Seq:        i.seq,
		CreatedAt:  time.Now().UTC(),
	}
	err = i.collection.AddDocument(ctx, chromem.Document{
		ID:        rec.ID,
		Content:   rec.Text,
		Embedding: rec.Embedding,
		Metadata: map[string]string{
			metaProvenance: rec.Provenance,
			metaSeq:        strconv.FormatUint(rec.Seq, 10),
			metaCreatedAt:  rec.CreatedAt.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		i.seq--
		return Record{}, fmt.Errorf("add document %s: %w", rec.ID, err)
	}
	i.recency.Add(rec.ID, rec.Seq)
	i.metrics.AddMemoryRecords(ctx, 1)
	return rec, nil
}

func (i *Index) evictOldest(ctx context.Context) error {
	id, _, ok := i.recency.RemoveOldest()
	if !ok {
		return nil
	}
	if err := i.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("evict document %s: %w", id, err)
	}
	i.metrics.AddMemoryRecords(ctx, -1)
	i.metrics.Memory().RecordEviction()
	return nil
}

// Retrieve returns at most min(k, results limit) records ordered by
// similarity, newest first on ties. Returned records count as used for
// eviction.
func (i *Index) Retrieve(ctx context.Context, query string, k int) ([]Match, error) {
	if strings.TrimSpace(query) == "" || k <= 0 {
		return nil, nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	count := i.collection.Count()
	n := min(k, i.limit, count)
	if n == 0 {
		return nil, nil
	}

	// chromem's own top-n does not break ties, so rank the whole
	// collection here.
	results, err := i.collection.Query(ctx, query, count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{Record: recordFromResult(r), Similarity: r.Similarity})
	}
	sort.SliceStable(matches, func(a, b int) bool {
		if matches[a].Similarity != matches[b].Similarity {
			return matches[a].Similarity > matches[b].Similarity
		}
		return matches[a].Seq > matches[b].Seq
	})
	if len(matches) > n {
		matches = matches[:n]
	}
	for _, m := range matches {
		i.recency.Get(m.ID)
	}
	return matches, nil
}

// Len returns the number of stored records.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.recency.Len()
}

// Contains reports whether id is still stored.
func (i *Index) Contains(id string) bool {
	return i.recency.Contains(id)
}

func recordFromResult(r chromem.Result) Record {
	rec := Record{
		ID:         r.ID,
		Text:       r.Content,
		Provenance: r.Metadata[metaProvenance],
		Embedding:  r.Embedding,
	}
	rec.Seq, _ = strconv.ParseUint(r.Metadata[metaSeq], 10, 64)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, r.Metadata[metaCreatedAt])
	return rec
}
