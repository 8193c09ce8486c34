package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cyderes/mail-intake-service/internal/config"
	"github.com/cyderes/mail-intake-service/internal/models"
)

// MongoDBStorage implements Storage interface using MongoDB
type MongoDBStorage struct {
	client     *mongo.Client
	forwarding *mongo.Collection
	status     *mongo.Collection
}

// NewMongoDBStorage connects to MongoDB and verifies the connection
func NewMongoDBStorage(cfg config.StorageConfig) (*MongoDBStorage, error) {
	if cfg.MongoDBURI == "" {
		return nil, errors.New("MONGODB_URI is required for mongodb storage")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDBURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(cfg.MongoDatabase)
	return &MongoDBStorage{
		client:     client,
		forwarding: db.Collection("forwarding_requests"),
		status:     db.Collection("ingestion_status"),
	}, nil
}

func (m *MongoDBStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	_, err := m.status.UpdateOne(ctx,
		bson.M{"_id": ingestionStatusKey},
		bson.M{"$set": status},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save ingestion status: %w", err)
	}
	return nil
}

func (m *MongoDBStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	var status models.IngestionStatus
	err := m.status.FindOne(ctx, bson.M{"_id": ingestionStatusKey}).Decode(&status)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return neverRun(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion status: %w", err)
	}
	return &status, nil
}

func (m *MongoDBStorage) SaveForwardingRequest(ctx context.Context, req models.ForwardingRequest) error {
	if err := validateForwardingRequest(req); err != nil {
		return err
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = time.Now().UTC()
	}
	_, err := m.forwarding.ReplaceOne(ctx, bson.M{"_id": req.ID}, req, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save forwarding request %d: %w", req.ID, err)
	}
	return nil
}

func (m *MongoDBStorage) GetForwardingRequest(ctx context.Context, id int64) (*models.ForwardingRequest, error) {
	var req models.ForwardingRequest
	err := m.forwarding.FindOne(ctx, bson.M{"_id": id}).Decode(&req)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get forwarding request %d: %w", id, err)
	}
	return &req, nil
}

func (m *MongoDBStorage) UpdateForwardingStatus(ctx context.Context, id int64, from, to models.ForwardingStatus) error {
	res, err := m.forwarding.UpdateOne(ctx,
		bson.M{"_id": id, "status": string(from)},
		bson.M{"$set": bson.M{"status": string(to), "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("failed to update forwarding request %d: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (m *MongoDBStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
