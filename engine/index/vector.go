package index

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// overfetchFactor controls how many extra candidates VectorStore.Search
// pulls from Qdrant before applying the client-side Filter predicate, so a
// restrictive filter doesn't starve the caller of k results.
const overfetchFactor = 4

// VectorStore is the sole owner of all Qdrant operations: the dense,
// semantic arm of the hybrid index.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	metric      DistanceMetric
}

// NewVectorStore connects to Qdrant at addr and binds to collection.
func NewVectorStore(addr, collection string, metric DistanceMetric) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("index: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		metric:      metric,
	}, nil
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	return v.conn.Close()
}

func (v *VectorStore) distance() pb.Distance {
	switch v.metric {
	case DistanceL2:
		return pb.Distance_Euclid
	case DistanceIP:
		return pb.Distance_Dot
	default:
		return pb.Distance_Cosine
	}
}

// EnsureCollection creates the collection with the configured dimension and
// distance metric if it doesn't already exist.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("index: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: v.distance(),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("index: create collection %s: %w", v.collection, err)
	}
	return nil
}

// Reset drops the collection; callers recreate it via EnsureCollection.
// Only invoked when reset_collection=true is configured at startup.
func (v *VectorStore) Reset(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: v.collection})
	if err != nil {
		return fmt.Errorf("index: drop collection %s: %w", v.collection, err)
	}
	return nil
}

// chunkPointID derives a deterministic point id for (resourceHash,
// chunkIndex) so re-indexing the same chunk is an idempotent upsert.
func chunkPointID(resourceHash string, chunkIndex int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s:%d", resourceHash, chunkIndex))).String()
}

// Upsert stores chunk embeddings for one resource.
func (v *VectorStore) Upsert(ctx context.Context, resourceHash string, chunks []ChunkText, vectors [][]float32, source string) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("index: %d chunks but %d vectors", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(chunks))
	for i, c := range chunks {
		payload := map[string]*pb.Value{
			"resource_hash": {Kind: &pb.Value_StringValue{StringValue: resourceHash}},
			"chunk_index":   {Kind: &pb.Value_IntegerValue{IntegerValue: int64(c.Index)}},
			"content":       {Kind: &pb.Value_StringValue{StringValue: c.Text}},
			"source":        {Kind: &pb.Value_StringValue{StringValue: source}},
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: chunkPointID(resourceHash, c.Index)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vectors[i]}},
			},
			Payload: payload,
		}
	}

	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("index: upsert %d points for %s: %w", len(points), resourceHash, err)
	}
	return nil
}

// DeleteByResource removes all points belonging to a resource, transitively
// deleting its chunks when the resource is purged or soft-deleted.
func (v *VectorStore) DeleteByResource(ctx context.Context, resourceHash string) error {
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{fieldMatch("resource_hash", resourceHash)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("index: delete by resource %s: %w", resourceHash, err)
	}
	return nil
}

// Search performs k-NN similarity search, applying filter client-side over
// an overfetched candidate set so a restrictive filter doesn't starve the
// result count.
func (v *VectorStore) Search(ctx context.Context, embedding []float32, k int, filter Filter) ([]Scored, error) {
	// k<=0 means "return everything the corpus has" (used when the caller
	// — the hybrid fusion layer — trims to top-k itself after combining
	// arms); resolve it to a generous fixed limit instead of querying 0.
	effectiveK := k
	if effectiveK <= 0 {
		effectiveK = 10000
	}
	limit := uint64(effectiveK)
	if filter != nil {
		limit = uint64(effectiveK * overfetchFactor)
	}

	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          limit,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}

	out := make([]Scored, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		doc := documentFromPayload(r.GetPayload())
		if filter != nil && !filter(doc.ResourceHash) {
			continue
		}
		out = append(out, Scored{Document: doc, Score: float64(r.GetScore())})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func documentFromPayload(payload map[string]*pb.Value) Document {
	d := Document{Metadata: map[string]string{}}
	for k, v := range payload {
		switch k {
		case "resource_hash":
			d.ResourceHash = v.GetStringValue()
		case "chunk_index":
			d.ChunkIndex = int(v.GetIntegerValue())
		case "content":
			d.Text = v.GetStringValue()
		case "source":
			d.Source = v.GetStringValue()
		default:
			d.Metadata[k] = v.GetStringValue()
		}
	}
	return d
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}
