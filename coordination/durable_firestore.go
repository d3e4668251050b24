package coordination

import (
	"cloud.google.com/go/firestore"
	"context"
	"fmt"
	"github.com/pnvasko/count-flow/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"strings"
)

const defaultFirestoreDatabase = "(default)"

// FirestoreStore keeps one document per entity in a collection, with the raw
// entity id as document id and a "count" field.
type FirestoreStore struct {
	*baseKvStore
	client *firestore.Client

	tracer trace.Tracer
	logger *common.Logger
}

func NewFirestoreStore(ctx context.Context, projectID, databaseID string, tracer trace.Tracer, logger *common.Logger, opts ...StoreOption[*FirestoreStore]) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: firestore project id is empty", common.ErrInvalidConfig)
	}
	if databaseID == "" {
		databaseID = defaultFirestoreDatabase
	}
	s := &FirestoreStore{
		baseKvStore: &baseKvStore{
			scope:            defaultStoreScope,
			retryWait:        defaultRetryWait,
			opTimeout:        defaultOpTimeout,
			maxRetryAttempts: defaultMaxRetryAttempts,
		},
		tracer: tracer,
		logger: logger,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client for database %s: %w", databaseID, err)
	}
	s.client = client
	return s, nil
}

// Bootstrap only checks reachability, documents need no schema.
func (s *FirestoreStore) Bootstrap(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	iter := s.client.Collection(s.scope).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.GetAll(); err != nil {
		return fmt.Errorf("firestore collection %s: %w", s.scope, err)
	}
	s.logger.Ctx(ctx).Info("durable store ready", zap.String("dialect", "firestore"), zap.String("collection", s.scope))
	return nil
}

func (s *FirestoreStore) Read(ctx context.Context, entityID string) (int64, bool) {
	if !validDocID(entityID) {
		return 0, false
	}
	ctx, span := s.tracer.Start(ctx, "durable.read", trace.WithAttributes(attribute.String("entity", entityID)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	snap, err := s.client.Collection(s.scope).Doc(entityID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return 0, false
	}
	if err != nil {
		s.logError(ctx, "error reading entity count", err, entityID)
		return 0, false
	}
	raw, err := snap.DataAt("count")
	if err != nil {
		s.logError(ctx, "entity document has no count", err, entityID)
		return 0, false
	}
	switch v := raw.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		s.logError(ctx, "entity count has unexpected type", fmt.Errorf("type %T", raw), entityID)
		return 0, false
	}
}

func (s *FirestoreStore) Upsert(ctx context.Context, entityID string, count int64) bool {
	if !validDocID(entityID) {
		s.logError(ctx, "error upserting entity count", ErrInvalidEntity, entityID)
		return false
	}
	ctx, span := s.tracer.Start(ctx, "durable.upsert", trace.WithAttributes(attribute.String("entity", entityID)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err := s.client.Collection(s.scope).Doc(entityID).Set(ctx, map[string]interface{}{
		"count":      count,
		"updated_at": firestore.ServerTimestamp,
	})
	if err != nil {
		s.logError(ctx, "error upserting entity count", err, entityID)
		return false
	}
	return true
}

func (s *FirestoreStore) Delete(ctx context.Context, entityID string) {
	if !validDocID(entityID) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if _, err := s.client.Collection(s.scope).Doc(entityID).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		s.logError(ctx, "error deleting entity count", err, entityID)
	}
}

func (s *FirestoreStore) Close() error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close firestore client: %w", err)
	}
	return nil
}

func (s *FirestoreStore) logError(ctx context.Context, msg string, err error, entityID string) {
	_ = common.SetLogError(ctx, msg, err, s.logger,
		attribute.String("entity", entityID),
		attribute.String("dialect", "firestore"),
	)
}

// Firestore document ids cannot contain '/' nor be "." or "..".
func validDocID(entityID string) bool {
	return entityID != "" && entityID != "." && entityID != ".." && !strings.Contains(entityID, "/")
}

var _ DurableStore = (*FirestoreStore)(nil)
