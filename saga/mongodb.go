package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

/*
MongoDB Schema:

Collection: saga_transactions

Document structure:
{
    "_id": string (transaction ID),
    "saga_id": string,
    "user_id": string,
    "transaction_type": string,
    "status": string,
    "amount": long,
    "asset": string,
    "idempotency_key": string,
    "retry_count": int,
    "max_retries": int,
    "error_message": string (optional),
    "metadata": document (optional),
    "step_ids": [string],
    "created_at": ISODate,
    "updated_at": ISODate,
    "expires_at": ISODate (optional),
    "steps": [
        {
            "id": string,
            "step_name": string,
            "step_order": int,
            "status": string,
            "step_data": document (optional),
            "compensation_data": document (optional),
            "error_message": string (optional),
            "attempts": int,
            "started_at": ISODate (optional),
            "completed_at": ISODate (optional)
        }
    ]
}

Steps are embedded so creating a transaction is a single-document insert.

Indexes:
db.saga_transactions.createIndex({ "idempotency_key": 1 }, { unique: true })
db.saga_transactions.createIndex({ "saga_id": 1 }, { unique: true })
db.saga_transactions.createIndex({ "steps.id": 1 })
db.saga_transactions.createIndex({ "status": 1, "updated_at": 1 })
*/

// mongoStep is the embedded step document.
type mongoStep struct {
	ID               string     `bson:"id"`
	StepName         string     `bson:"step_name"`
	StepOrder        int        `bson:"step_order"`
	Status           StepStatus `bson:"status"`
	StepData         Payload    `bson:"step_data,omitempty"`
	CompensationData Payload    `bson:"compensation_data,omitempty"`
	ErrorMessage     string     `bson:"error_message,omitempty"`
	Attempts         int        `bson:"attempts"`
	Generation       int        `bson:"generation,omitempty"`
	StartedAt        *time.Time `bson:"started_at,omitempty"`
	CompletedAt      *time.Time `bson:"completed_at,omitempty"`
}

// mongoTransaction is the transaction document.
type mongoTransaction struct {
	ID              string            `bson:"_id"`
	SagaID          string            `bson:"saga_id"`
	UserID          string            `bson:"user_id"`
	TransactionType string            `bson:"transaction_type"`
	Status          TransactionStatus `bson:"status"`
	Amount          int64             `bson:"amount"`
	Asset           string            `bson:"asset"`
	IdempotencyKey  string            `bson:"idempotency_key"`
	RetryCount      int               `bson:"retry_count"`
	MaxRetries      int               `bson:"max_retries"`
	ErrorMessage    string            `bson:"error_message,omitempty"`
	Metadata        Payload           `bson:"metadata,omitempty"`
	StepIDs         []string          `bson:"step_ids"`
	CreatedAt       time.Time         `bson:"created_at"`
	UpdatedAt       time.Time         `bson:"updated_at"`
	ExpiresAt       *time.Time        `bson:"expires_at,omitempty"`
	Steps           []mongoStep       `bson:"steps"`
}

func (m *mongoTransaction) toTransaction() *Transaction {
	return &Transaction{
		ID:              m.ID,
		SagaID:          m.SagaID,
		UserID:          m.UserID,
		TransactionType: m.TransactionType,
		Status:          m.Status,
		Amount:          m.Amount,
		Asset:           m.Asset,
		IdempotencyKey:  m.IdempotencyKey,
		RetryCount:      m.RetryCount,
		MaxRetries:      m.MaxRetries,
		ErrorMessage:    m.ErrorMessage,
		Metadata:        normalizePayload(m.Metadata),
		StepIDs:         m.StepIDs,
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
		ExpiresAt:       utcPtr(m.ExpiresAt),
	}
}

func (m *mongoStep) toStep(transactionID string) *SagaStep {
	return &SagaStep{
		ID:               m.ID,
		TransactionID:    transactionID,
		StepName:         m.StepName,
		StepOrder:        m.StepOrder,
		Status:           m.Status,
		StepData:         normalizePayload(m.StepData),
		CompensationData: normalizePayload(m.CompensationData),
		ErrorMessage:     m.ErrorMessage,
		Attempts:         m.Attempts,
		Generation:       m.Generation,
		StartedAt:        utcPtr(m.StartedAt),
		CompletedAt:      utcPtr(m.CompletedAt),
	}
}

func fromStep(s *SagaStep) mongoStep {
	return mongoStep{
		ID:               s.ID,
		StepName:         s.StepName,
		StepOrder:        s.StepOrder,
		Status:           s.Status,
		StepData:         s.StepData,
		CompensationData: s.CompensationData,
		ErrorMessage:     s.ErrorMessage,
		Attempts:         s.Attempts,
		Generation:       s.Generation,
		StartedAt:        s.StartedAt,
		CompletedAt:      s.CompletedAt,
	}
}

// MongoStore is a MongoDB-based store.
//
// Call EnsureIndexes once before use: the unique idempotency_key index is
// what resolves concurrent duplicate creates.
type MongoStore struct {
	collection *mongo.Collection
}

// MongoStoreOption configures a MongoStore.
type MongoStoreOption func(*mongoStoreOptions)

type mongoStoreOptions struct {
	collection string
}

// WithCollection sets a custom collection name for the MongoDB store.
func WithCollection(name string) MongoStoreOption {
	return func(o *mongoStoreOptions) {
		if name != "" {
			o.collection = name
		}
	}
}

// NewMongoStore creates a new MongoDB store.
//
// The default collection name is "saga_transactions".
func NewMongoStore(db *mongo.Database, opts ...MongoStoreOption) *MongoStore {
	o := &mongoStoreOptions{
		collection: "saga_transactions",
	}
	for _, opt := range opts {
		opt(o)
	}

	return &MongoStore{
		collection: db.Collection(o.collection),
	}
}

// Collection returns the underlying MongoDB collection
func (s *MongoStore) Collection() *mongo.Collection {
	return s.collection
}

// Indexes returns the required indexes for the collection.
func (s *MongoStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "saga_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "steps.id", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "updated_at", Value: 1},
			},
		},
	}
}

// EnsureIndexes creates the required indexes
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// CreateTransaction inserts the transaction document with its embedded steps.
func (s *MongoStore) CreateTransaction(ctx context.Context, tx *Transaction, steps []*SagaStep) error {
	if err := validateNew(tx, steps); err != nil {
		return err
	}

	doc := mongoTransaction{
		ID:              tx.ID,
		SagaID:          tx.SagaID,
		UserID:          tx.UserID,
		TransactionType: tx.TransactionType,
		Status:          tx.Status,
		Amount:          tx.Amount,
		Asset:           tx.Asset,
		IdempotencyKey:  tx.IdempotencyKey,
		RetryCount:      tx.RetryCount,
		MaxRetries:      tx.MaxRetries,
		ErrorMessage:    tx.ErrorMessage,
		Metadata:        tx.Metadata,
		StepIDs:         tx.StepIDs,
		CreatedAt:       tx.CreatedAt,
		UpdatedAt:       tx.UpdatedAt,
		ExpiresAt:       tx.ExpiresAt,
		Steps:           make([]mongoStep, len(steps)),
	}
	for i, step := range steps {
		doc.Steps[i] = fromStep(step)
	}

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			n, countErr := s.collection.CountDocuments(ctx, bson.M{"idempotency_key": tx.IdempotencyKey})
			if countErr == nil && n > 0 {
				return ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("transaction already exists: %s", tx.ID)
		}
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M, what string) (*mongoTransaction, error) {
	var doc mongoTransaction
	if err := s.collection.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, notFound("transaction", what)
		}
		return nil, fmt.Errorf("find: %w", err)
	}
	return &doc, nil
}

// GetTransaction retrieves a transaction by ID.
func (s *MongoStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	doc, err := s.findOne(ctx, bson.M{"_id": id}, id)
	if err != nil {
		return nil, err
	}
	return doc.toTransaction(), nil
}

// GetTransactionBySagaID retrieves a transaction by saga ID.
func (s *MongoStore) GetTransactionBySagaID(ctx context.Context, sagaID string) (*Transaction, error) {
	doc, err := s.findOne(ctx, bson.M{"saga_id": sagaID}, sagaID)
	if err != nil {
		return nil, err
	}
	return doc.toTransaction(), nil
}

// GetTransactionByIdempotencyKey retrieves a transaction by idempotency key.
func (s *MongoStore) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	doc, err := s.findOne(ctx, bson.M{"idempotency_key": key}, key)
	if err != nil {
		return nil, err
	}
	return doc.toTransaction(), nil
}

// ListSteps returns the transaction's steps ordered by StepOrder.
func (s *MongoStore) ListSteps(ctx context.Context, transactionID string) ([]*SagaStep, error) {
	doc, err := s.findOne(ctx, bson.M{"_id": transactionID}, transactionID)
	if err != nil {
		return nil, err
	}
	steps := make([]*SagaStep, len(doc.Steps))
	for i := range doc.Steps {
		steps[i] = doc.Steps[i].toStep(doc.ID)
	}
	sortSteps(steps)
	return steps, nil
}

func transactionSet(tx *Transaction) bson.M {
	return bson.M{
		"status":        tx.Status,
		"retry_count":   tx.RetryCount,
		"max_retries":   tx.MaxRetries,
		"error_message": tx.ErrorMessage,
		"metadata":      tx.Metadata,
		"updated_at":    tx.UpdatedAt,
		"expires_at":    tx.ExpiresAt,
	}
}

func (s *MongoStore) transactionConflict(ctx context.Context, id string, expected TransactionStatus) error {
	var current struct {
		Status TransactionStatus `bson:"status"`
	}
	err := s.collection.FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"status": 1})).Decode(&current)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return notFound("transaction", id)
	}
	if err != nil {
		return fmt.Errorf("find: %w", err)
	}
	return conflict("transaction", id, expected, current.Status)
}

// UpdateTransaction writes tx if the stored status equals expected.
func (s *MongoStore) UpdateTransaction(ctx context.Context, tx *Transaction, expected TransactionStatus) error {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": tx.ID, "status": expected},
		bson.M{"$set": transactionSet(tx)},
	)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if result.MatchedCount == 0 {
		return s.transactionConflict(ctx, tx.ID, expected)
	}
	return nil
}

// UpdateStep writes step if the stored status equals expected.
func (s *MongoStore) UpdateStep(ctx context.Context, step *SagaStep, expected StepStatus) error {
	filter := bson.M{
		"_id": step.TransactionID,
		"steps": bson.M{"$elemMatch": bson.M{
			"id":     step.ID,
			"status": expected,
		}},
	}
	update := bson.M{"$set": bson.M{
		"steps.$.status":            step.Status,
		"steps.$.step_data":         step.StepData,
		"steps.$.compensation_data": step.CompensationData,
		"steps.$.error_message":     step.ErrorMessage,
		"steps.$.attempts":          step.Attempts,
		"steps.$.generation":        step.Generation,
		"steps.$.started_at":        step.StartedAt,
		"steps.$.completed_at":      step.CompletedAt,
	}}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}

	doc, err := s.findOne(ctx, bson.M{"steps.id": step.ID}, step.ID)
	if err != nil {
		if IsNotFound(err) {
			return notFound("step", step.ID)
		}
		return err
	}
	for _, st := range doc.Steps {
		if st.ID == step.ID {
			return conflict("step", step.ID, expected, st.Status)
		}
	}
	return notFound("step", step.ID)
}

// ResetForRetry updates the transaction and resets matching embedded steps
// in a single document update.
func (s *MongoStore) ResetForRetry(ctx context.Context, tx *Transaction, expected TransactionStatus, resetFrom []StepStatus) error {
	set := transactionSet(tx)
	update := bson.M{"$set": set}
	var opts []options.Lister[options.UpdateOneOptions]
	if len(resetFrom) > 0 {
		set["steps.$[s].status"] = StepPending
		set["steps.$[s].attempts"] = 0
		set["steps.$[s].error_message"] = ""
		set["steps.$[s].compensation_data"] = nil
		set["steps.$[s].started_at"] = nil
		set["steps.$[s].completed_at"] = nil
		filters := []any{bson.M{"s.status": bson.M{"$in": resetFrom}}}
		if containsStepStatus(resetFrom, StepCompensated) {
			update["$inc"] = bson.M{"steps.$[c].generation": 1}
			filters = append(filters, bson.M{"c.status": StepCompensated})
		}
		opts = append(opts, options.UpdateOne().SetArrayFilters(filters))
	}

	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": tx.ID, "status": expected},
		update,
		opts...,
	)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if result.MatchedCount == 0 {
		return s.transactionConflict(ctx, tx.ID, expected)
	}
	return nil
}

// ListTransactions lists transactions matching the filter.
func (s *MongoStore) ListTransactions(ctx context.Context, filter Filter) ([]*Transaction, error) {
	mongoFilter := bson.M{}

	if filter.TransactionType != "" {
		mongoFilter["transaction_type"] = filter.TransactionType
	}
	if filter.UserID != "" {
		mongoFilter["user_id"] = filter.UserID
	}
	if len(filter.Status) > 0 {
		mongoFilter["status"] = bson.M{"$in": filter.Status}
	}
	if !filter.UpdatedBefore.IsZero() {
		mongoFilter["updated_at"] = bson.M{"$lt": filter.UpdatedBefore}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: 1}}).
		SetProjection(bson.M{"steps": 0})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.collection.Find(ctx, mongoFilter, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var results []*Transaction
	for cursor.Next(ctx) {
		var doc mongoTransaction
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		results = append(results, doc.toTransaction())
	}

	return results, cursor.Err()
}

// DeleteOlderThan removes terminal transactions last updated before cutoff.
func (s *MongoStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	filter := bson.M{
		"status":     bson.M{"$in": []TransactionStatus{StatusCompleted, StatusCompensated, StatusCancelled}},
		"updated_at": bson.M{"$lt": cutoff},
	}

	result, err := s.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return int(result.DeletedCount), nil
}

// Health performs a health check on the MongoDB store.
func (s *MongoStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := s.collection.Database().Client().Ping(ctx, nil); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("mongodb ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	count, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count transactions: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	pending, _ := s.collection.CountDocuments(ctx, bson.M{"status": StatusPending})
	processing, _ := s.collection.CountDocuments(ctx, bson.M{"status": StatusProcessing})
	compensating, _ := s.collection.CountDocuments(ctx, bson.M{"status": StatusCompensating})
	failed, _ := s.collection.CountDocuments(ctx, bson.M{"status": StatusFailed})

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"total_transactions":        count,
			"pending_transactions":      pending,
			"processing_transactions":   processing,
			"compensating_transactions": compensating,
			"failed_transactions":       failed,
			"collection":                s.collection.Name(),
		},
	}
}

// normalizePayload converts nested BSON documents and arrays decoded into
// interface values back to plain maps and slices.
func normalizePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = normalizeBSON(v)
	}
	return out
}

func normalizeBSON(v any) any {
	switch t := v.(type) {
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalizeBSON(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalizeBSON(e)
		}
		return m
	case bson.A:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = normalizeBSON(e)
		}
		return s
	}
	return v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// Compile-time checks
var (
	_ Store          = (*MongoStore)(nil)
	_ health.Checker = (*MongoStore)(nil)
)
