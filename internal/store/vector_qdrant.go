package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	jerrors "github.com/amelia751/jurisscope/internal/errors"
)

// chunkNamespace derives stable point ids from chunk ids.
var chunkNamespace = uuid.MustParse("6f1f9a52-3c1e-4c8e-9a51-3f5a0e2b7d10")

// qdrantPoints is the subset of pb.PointsClient the index uses.
type qdrantPoints interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// qdrantCollections is the subset of pb.CollectionsClient the index uses.
type qdrantCollections interface {
	CollectionExists(ctx context.Context, in *pb.CollectionExistsRequest, opts ...grpc.CallOption) (*pb.CollectionExistsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// QdrantVectorIndex stores vectors in a Qdrant collection with chunk_id
// and project_id payloads. The project filter is part of the search
// request, so Qdrant ranks only in-scope points.
type QdrantVectorIndex struct {
	conn        *grpc.ClientConn
	points      qdrantPoints
	collections qdrantCollections
	collection  string
	dim         int
}

// NewQdrantVectorIndex connects to Qdrant's gRPC port at addr and ensures
// the collection exists with a keyword index on project_id.
func NewQdrantVectorIndex(ctx context.Context, addr, collection string, dim int) (*QdrantVectorIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, jerrors.StoreError(fmt.Sprintf("dial qdrant %s", addr), err)
	}
	q := newQdrantVectorIndex(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, dim)
	q.conn = conn

	if err := q.ensureCollection(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return q, nil
}

func newQdrantVectorIndex(points qdrantPoints, collections qdrantCollections, collection string, dim int) *QdrantVectorIndex {
	return &QdrantVectorIndex{
		points:      points,
		collections: collections,
		collection:  collection,
		dim:         dim,
	}
}

func (q *QdrantVectorIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: q.collection})
	if err != nil {
		return jerrors.StoreError(fmt.Sprintf("check collection %s", q.collection), err)
	}
	if exists.GetResult().GetExists() {
		return nil
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return jerrors.StoreError(fmt.Sprintf("create collection %s", q.collection), err)
	}

	wait := true
	keyword := pb.FieldType_FieldTypeKeyword
	_, err = q.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: q.collection,
		Wait:           &wait,
		FieldName:      "project_id",
		FieldType:      &keyword,
	})
	if err != nil {
		return jerrors.StoreError("create project_id payload index", err)
	}
	return nil
}

func pointID(chunkID string) *pb.PointId {
	return &pb.PointId{
		PointIdOptions: &pb.PointId_Uuid{Uuid: uuid.NewSHA1(chunkNamespace, []byte(chunkID)).String()},
	}
}

func keywordValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func projectFilter(projectID string) *pb.Filter {
	return &pb.Filter{
		Must: []*pb.Condition{{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   "project_id",
					Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: projectID}},
				},
			},
		}},
	}
}

// Add upserts vectors under projectID.
func (q *QdrantVectorIndex) Add(ctx context.Context, projectID string, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	if projectID == "" {
		return jerrors.InvalidScope("")
	}

	points := make([]*pb.PointStruct, len(ids))
	for i, id := range ids {
		if len(vectors[i]) != q.dim {
			return jerrors.DimensionMismatch(q.dim, len(vectors[i]))
		}
		points[i] = &pb.PointStruct{
			Id: pointID(id),
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vectors[i]}},
			},
			Payload: map[string]*pb.Value{
				"chunk_id":   keywordValue(id),
				"project_id": keywordValue(projectID),
			},
		}
	}

	wait := true
	if _, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// Search asks Qdrant for the k nearest in-scope points, with hnsw_ef set
// to numCandidates. Qdrant's cosine score is mapped onto [0, 1].
func (q *QdrantVectorIndex) Search(ctx context.Context, projectID string, query []float32, k, numCandidates int) ([]VectorMatch, error) {
	if err := checkQueryArgs(projectID, query, q.dim, k, numCandidates); err != nil {
		return nil, err
	}

	ef := uint64(numCandidates)
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         query,
		Filter:         projectFilter(projectID),
		Limit:          uint64(k),
		Params:         &pb.SearchParams{HnswEf: &ef},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	out := make([]VectorMatch, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		payload := p.GetPayload()
		// Filtered server-side; re-checked so a misconfigured collection
		// can never leak another project's chunk.
		if payload["project_id"].GetStringValue() != projectID {
			continue
		}
		out = append(out, VectorMatch{
			ID:    payload["chunk_id"].GetStringValue(),
			Score: cosineScore(float64(p.GetScore())),
		})
	}
	return out, nil
}

// Delete removes points by chunk id.
func (q *QdrantVectorIndex) Delete(ctx context.Context, projectID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}

	wait := true
	if _, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{Points: &pb.PointsIdsList{Ids: pids}},
		},
	}); err != nil {
		return fmt.Errorf("qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// DeleteProject removes every point whose payload project_id matches.
func (q *QdrantVectorIndex) DeleteProject(ctx context.Context, projectID string) error {
	wait := true
	if _, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: projectFilter(projectID)},
		},
	}); err != nil {
		return fmt.Errorf("qdrant delete project %s: %w", projectID, err)
	}
	return nil
}

// Count returns the exact number of points in the collection.
func (q *QdrantVectorIndex) Count(ctx context.Context) (int, error) {
	exact := true
	resp, err := q.points.Count(ctx, &pb.CountPoints{CollectionName: q.collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("qdrant count: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Save is a no-op; Qdrant persists on write.
func (q *QdrantVectorIndex) Save() error { return nil }

// Close closes the gRPC connection.
func (q *QdrantVectorIndex) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

var _ VectorIndex = (*QdrantVectorIndex)(nil)
