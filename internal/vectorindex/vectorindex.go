// Package vectorindex is the write-behind mirror of observation, summary
// and prompt text into an external Qdrant collection. The mirror is
// advisory: the relational store is the source of truth, and any failure
// here degrades search to full-text instead of blocking ingestion. Backed
// by github.com/qdrant/go-client over gRPC.
package vectorindex

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"memoryd/internal/model"
)

const (
	collectionName = "memoryd_artifacts"
	vectorSize     = 256
)

// Candidate is one hit from Query: an id paired with its similarity score.
type Candidate struct {
	ID    string
	Score float32
}

// Embedder turns artifact text into a vector. The generator LLM is purely
// a streaming text transform and produces no embeddings, so embedding is a
// separate, swappable concern — production deployments plug in a real
// embedding model here; the default is a deterministic hash-based
// embedding so the index is usable without one.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder is the default Embedder: a deterministic, dependency-free
// vector made by tiling the SHA-1 digest of the whole text across every
// dimension, so texts that differ at all get unrelated vectors. It has no
// semantic understanding — swap it for a
// real embedding model in production — but it gives the hybrid retrieval
// pipeline a real candidate set to exercise instead of silently degrading
// to full-text for everyone.
type HashEmbedder struct{}

func (HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, vectorSize)
	if text == "" {
		return vec, nil
	}
	h := sha1.Sum([]byte(text))
	for i := 0; i < vectorSize; i++ {
		b := h[i%len(h)]
		vec[i] = (float32(b) / 255.0) - 0.5
	}
	return vec, nil
}

// VectorIndex wraps the qdrant gRPC client and the embedder.
type VectorIndex struct {
	client   *qdrant.Client
	embedder Embedder
}

// New connects to Qdrant at "host:port" (port defaults to 6334, the gRPC
// port) and ensures the collection exists.
func New(ctx context.Context, addr string, embedder Embedder) (*VectorIndex, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid qdrant port %q: %w", portStr, err)
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}
	if embedder == nil {
		embedder = HashEmbedder{}
	}
	vi := &VectorIndex{client: client, embedder: embedder}
	if err := vi.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return vi, nil
}

// Ping reports whether the backing Qdrant collection is reachable, used by
// the health endpoint's degraded-mode reporting.
func (v *VectorIndex) Ping(ctx context.Context) error {
	_, err := v.client.CollectionExists(ctx, collectionName)
	if err != nil {
		return fmt.Errorf("ping qdrant: %w", err)
	}
	return nil
}

func (v *VectorIndex) ensureCollection(ctx context.Context) error {
	exists, err := v.client.CollectionExists(ctx, collectionName)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if exists {
		return nil
	}
	return v.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

// Upsert mirrors one artifact's text into the collection. Large text is
// split into chunks with stable derived ids (id + "#" + chunk index).
func (v *VectorIndex) Upsert(ctx context.Context, kind model.EntityKind, id string, text string, metadata map[string]any) error {
	chunks := chunkText(text, 2000)
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i, chunk := range chunks {
		vec, err := v.embedder.Embed(ctx, chunk)
		if err != nil {
			return fmt.Errorf("embed chunk %d: %w", i, err)
		}
		pointID := id
		if len(chunks) > 1 {
			pointID = fmt.Sprintf("%s#%d", id, i)
		}
		payload := qdrant.NewValueMap(metadata)
		payload["kind"] = qdrant.NewValueString(string(kind))
		payload["source_id"] = qdrant.NewValueString(id)
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64PointID(pointID)),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: payload,
		})
	}
	_, err := v.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collectionName,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", kind, id, err)
	}
	return nil
}

// Query runs a top-k nearest-neighbor search with a metadata filter — the
// candidate-selection step of hybrid retrieval.
func (v *VectorIndex) Query(ctx context.Context, kind model.EntityKind, text string, k int, project string, typ string, since *time.Time) ([]Candidate, error) {
	vec, err := v.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	must := []*qdrant.Condition{
		qdrant.NewMatch("kind", string(kind)),
	}
	if project != "" {
		must = append(must, qdrant.NewMatch("project", project))
	}
	if typ != "" {
		must = append(must, qdrant.NewMatch("type", typ))
	}
	if since != nil {
		must = append(must, qdrant.NewRange("created_at_epoch", &qdrant.Range{Gte: ptrF(float64(since.Unix()))}))
	}

	resp, err := v.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collectionName,
		Query:          qdrant.NewQueryDense(vec),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          ptrU(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	out := make([]Candidate, 0, len(resp))
	for _, point := range resp {
		sourceID := point.GetPayload()["source_id"].GetStringValue()
		if sourceID == "" {
			sourceID = pointIDString(point.GetId())
		}
		out = append(out, Candidate{ID: sourceID, Score: point.GetScore()})
	}
	return out, nil
}

// Remove deletes every point derived from the given source id (a
// multi-chunk upsert may have produced several), cascading on the
// corresponding Store deletion.
func (v *VectorIndex) Remove(ctx context.Context, kind model.EntityKind, id string) error {
	_, err := v.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collectionName,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("kind", string(kind)),
				qdrant.NewMatch("source_id", id),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("remove %s %s: %w", kind, id, err)
	}
	return nil
}

// SyncMissing upserts every supplied (kind, id, text, metadata) row the
// caller has determined lacks a vector entry. Failures are logged, not
// returned — the relational store remains the source of truth even during
// a slow or partial sync.
func (v *VectorIndex) SyncMissing(ctx context.Context, rows []SyncRow) {
	for _, r := range rows {
		if err := v.Upsert(ctx, r.Kind, r.ID, r.Text, r.Metadata); err != nil {
			slog.Warn("vector sync failed", "kind", r.Kind, "id", r.ID, "error", err)
		}
	}
}

type SyncRow struct {
	Kind     model.EntityKind
	ID       string
	Text     string
	Metadata map[string]any
}

func chunkText(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}
	var chunks []string
	for i := 0; i < len(text); i += size {
		end := i + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[i:end])
	}
	return chunks
}

// uint64PointID derives a stable numeric point id from a string id — qdrant
// point ids are either UUIDs or uint64s, and our ids are opaque DB-assigned
// strings, so we hash them deterministically.
func uint64PointID(s string) uint64 {
	h := sha1.Sum([]byte(s))
	return binary.BigEndian.Uint64(h[:8])
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	return fmt.Sprintf("%d", id.GetNum())
}

func ptrF(f float64) *float64 { return &f }
func ptrU(u uint64) *uint64   { return &u }
