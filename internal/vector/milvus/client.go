package milvus

import (
	"context"
	"fmt"
	"math"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/personal-ai-os/backend/pkg/logger"
)

// Kind partitions the index between rule embeddings and interaction
// embeddings so dedup lookups never match past conversations.
const (
	KindRule        = "rule"
	KindInteraction = "interaction"
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

type Match struct {
	Ref   string
	Score float32
}

func NewClient(endpoint, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) CreateCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Rule and interaction embeddings",
		Fields: []*entity.Field{
			{
				Name:       "ref",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:     "user_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     "kind",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "16",
				},
			},
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	// IP over normalized vectors gives cosine similarity scores in [0,1].
	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index spec: %w", err)
	}
	if err := m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))
	return nil
}

// Upsert stores or replaces one embedding under the given ref.
func (m *Client) Upsert(ctx context.Context, ref, userID, kind string, embedding []float32) error {
	normalized := normalize(embedding)

	_, err := m.client.Upsert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("ref", []string{ref}),
		entity.NewColumnFloatVector("embedding", m.vectorDim, [][]float32{normalized}),
		entity.NewColumnVarChar("user_id", []string{userID}),
		entity.NewColumnVarChar("kind", []string{kind}),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}

	logger.Debug("Embedding upserted", zap.String("ref", ref), zap.String("kind", kind))
	return nil
}

// Search returns the nearest neighbors among one user's embeddings of the
// given kind, best first.
func (m *Client) Search(ctx context.Context, embedding []float32, userID, kind string, topK int) ([]Match, error) {
	expr := fmt.Sprintf(`user_id == "%s" && kind == "%s"`, userID, kind)

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	normalized := normalize(embedding)
	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		[]string{"ref"},
		[]entity.Vector{entity.FloatVector(normalized)},
		"embedding",
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search embeddings: %w", err)
	}

	matches := make([]Match, 0)
	for _, sr := range searchResult {
		refCol := sr.Fields.GetColumn("ref")
		for i := 0; i < sr.ResultCount; i++ {
			ref, err := refCol.Get(i)
			if err != nil {
				continue
			}
			matches = append(matches, Match{
				Ref:   ref.(string),
				Score: sr.Scores[i],
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.String("user_id", userID),
		zap.String("kind", kind),
		zap.Int("results", len(matches)),
	)

	return matches, nil
}

// Delete removes one embedding by ref.
func (m *Client) Delete(ctx context.Context, ref string) error {
	expr := fmt.Sprintf(`ref in ["%s"]`, ref)
	if err := m.client.Delete(ctx, m.collectionName, "", expr); err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	return nil
}

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
