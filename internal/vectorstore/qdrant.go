package vectorstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadOrgField, payloadDocField etc. name the Qdrant payload fields carrying everything
// a Row needs besides its vector, since Qdrant points are id+vector+payload only.
const (
	payloadOrgField     = "org_id"
	payloadDocField     = "document_id"
	payloadIndexField   = "chunk_index"
	payloadCiphertext   = "ciphertext_b64"
	payloadNonce        = "nonce_b64"
	payloadAAD          = "aad"
	payloadHash         = "hash"
	payloadSection      = "section"
	payloadPage         = "page"
)

type qdrantStore struct {
	client     *qdrant.Client
	collection string
	dim        int
	metric     string
}

// NewQdrant constructs a Store backed by a Qdrant collection, isolating tenants via a
// mandatory org_id payload filter on every search (Qdrant has no native per-tenant
// partitioning, so the filter is the isolation boundary, per spec.md §4.7).
func NewQdrant(ctx context.Context, dsn, collection string, dim int, metric string) (Store, error) {
	if collection == "" {
		return nil, fmt.Errorf("vectorstore: qdrant collection name is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: invalid qdrant port: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: create qdrant client: %w", err)
	}
	q := &qdrantStore{client: client, collection: collection, dim: dim, metric: strings.ToLower(strings.TrimSpace(metric))}
	if err := q.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

func (q *qdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("vectorstore: check collection: %w", err)
	}
	if exists {
		return nil
	}
	if q.dim <= 0 {
		return fmt.Errorf("vectorstore: qdrant requires dimensions > 0")
	}
	var distance qdrant.Distance
	switch q.metric {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	default:
		distance = qdrant.Distance_Cosine
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dim),
			Distance: distance,
		}),
	})
}

func (q *qdrantStore) Dimension() int { return q.dim }
func (q *qdrantStore) Close() error   { return q.client.Close() }

func pointID(orgID, documentID string, chunkIndex int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%s/%d", orgID, documentID, chunkIndex))).String()
}

func (q *qdrantStore) UpsertChunks(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(rows))
	for _, r := range rows {
		if q.dim > 0 && len(r.Embedding) != q.dim {
			return ErrDimensionMismatch
		}
		payload := map[string]any{
			payloadOrgField:   r.OrgID,
			payloadDocField:   r.DocumentID,
			payloadIndexField: int64(r.ChunkIndex),
			payloadCiphertext: base64.StdEncoding.EncodeToString(r.Ciphertext),
			payloadNonce:      base64.StdEncoding.EncodeToString(r.Nonce),
			payloadAAD:        r.AAD,
			payloadHash:       r.Hash,
		}
		if r.Section != nil {
			payload[payloadSection] = *r.Section
		}
		if r.Page != nil {
			payload[payloadPage] = int64(*r.Page)
		}
		vec := make([]float32, len(r.Embedding))
		copy(vec, r.Embedding)
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(r.OrgID, r.DocumentID, r.ChunkIndex)),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: q.collection, Points: points})
	return err
}

func (q *qdrantStore) Search(ctx context.Context, orgID string, queryVector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	vec := make([]float32, len(queryVector))
	copy(vec, queryVector)
	limit := uint64(k)
	result, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(payloadOrgField, orgID)}},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(result))
	for _, hit := range result {
		row, ok := rowFromPayload(hit.Payload)
		if !ok {
			continue
		}
		matches = append(matches, Match{Row: row, Score: float64(hit.Score)})
	}
	sortMatches(matches)
	return matches, nil
}

func (q *qdrantStore) DeleteByDocument(ctx context.Context, orgID, documentID string) error {
	filter := &qdrant.Filter{Must: []*qdrant.Condition{
		qdrant.NewMatch(payloadOrgField, orgID),
		qdrant.NewMatch(payloadDocField, documentID),
	}}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	return err
}

func rowFromPayload(payload map[string]*qdrant.Value) (Row, bool) {
	var r Row
	if v, ok := payload[payloadOrgField]; ok {
		r.OrgID = v.GetStringValue()
	}
	if v, ok := payload[payloadDocField]; ok {
		r.DocumentID = v.GetStringValue()
	}
	if v, ok := payload[payloadIndexField]; ok {
		r.ChunkIndex = int(v.GetIntegerValue())
	}
	if v, ok := payload[payloadCiphertext]; ok {
		b, err := base64.StdEncoding.DecodeString(v.GetStringValue())
		if err != nil {
			return Row{}, false
		}
		r.Ciphertext = b
	}
	if v, ok := payload[payloadNonce]; ok {
		b, err := base64.StdEncoding.DecodeString(v.GetStringValue())
		if err != nil {
			return Row{}, false
		}
		r.Nonce = b
	}
	if v, ok := payload[payloadAAD]; ok {
		r.AAD = v.GetStringValue()
	}
	if v, ok := payload[payloadHash]; ok {
		r.Hash = v.GetStringValue()
	}
	if v, ok := payload[payloadSection]; ok {
		s := v.GetStringValue()
		r.Section = &s
	}
	if v, ok := payload[payloadPage]; ok {
		p := int(v.GetIntegerValue())
		r.Page = &p
	}
	return r, true
}
