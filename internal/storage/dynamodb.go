package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"

	"github.com/cyderes/mail-intake-service/internal/config"
	"github.com/cyderes/mail-intake-service/internal/models"
)

// DynamoDBStorage implements Storage interface using AWS DynamoDB
type DynamoDBStorage struct {
	client      *dynamodb.DynamoDB
	tableName   string
	statusTable string
}

// NewDynamoDBStorage creates a new DynamoDB storage instance
func NewDynamoDBStorage(cfg config.StorageConfig) (*DynamoDBStorage, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// For local testing with DynamoDB Local
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	storage := &DynamoDBStorage{
		client:      dynamodb.New(sess),
		tableName:   cfg.TableName,
		statusTable: cfg.TableName + "_status",
	}

	if err := storage.ensureTable(storage.tableName, dynamodb.ScalarAttributeTypeN); err != nil {
		return nil, fmt.Errorf("failed to ensure table exists: %w", err)
	}
	if err := storage.ensureTable(storage.statusTable, dynamodb.ScalarAttributeTypeS); err != nil {
		return nil, fmt.Errorf("failed to ensure status table exists: %w", err)
	}

	return storage, nil
}

// ensureTable creates a table keyed by "id" if it doesn't exist
func (d *DynamoDBStorage) ensureTable(name, keyType string) error {
	_, err := d.client.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err == nil {
		return nil
	}

	_, err = d.client.CreateTable(&dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String("id"),
				KeyType:       aws.String(dynamodb.KeyTypeHash),
			},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String("id"),
				AttributeType: aws.String(keyType),
			},
		},
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}

	return d.client.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
}

// UpdateIngestionStatus updates the ingestion status
func (d *DynamoDBStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	item, err := dynamodbattribute.MarshalMap(status)
	if err != nil {
		return fmt.Errorf("failed to marshal ingestion status: %w", err)
	}
	item["id"] = &dynamodb.AttributeValue{S: aws.String(ingestionStatusKey)}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.statusTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save ingestion status: %w", err)
	}
	return nil
}

// GetIngestionStatus retrieves the current ingestion status
func (d *DynamoDBStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	result, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.statusTable),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {S: aws.String(ingestionStatusKey)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion status: %w", err)
	}
	if result.Item == nil {
		return neverRun(), nil
	}

	var status models.IngestionStatus
	if err := dynamodbattribute.UnmarshalMap(result.Item, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ingestion status: %w", err)
	}
	return &status, nil
}

func (d *DynamoDBStorage) SaveForwardingRequest(ctx context.Context, req models.ForwardingRequest) error {
	if err := validateForwardingRequest(req); err != nil {
		return err
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = time.Now().UTC()
	}
	item, err := dynamodbattribute.MarshalMap(req)
	if err != nil {
		return fmt.Errorf("failed to marshal forwarding request %d: %w", req.ID, err)
	}
	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save forwarding request %d: %w", req.ID, err)
	}
	return nil
}

func (d *DynamoDBStorage) GetForwardingRequest(ctx context.Context, id int64) (*models.ForwardingRequest, error) {
	result, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key:       forwardingKey(id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get forwarding request %d: %w", id, err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var req models.ForwardingRequest
	if err := dynamodbattribute.UnmarshalMap(result.Item, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal forwarding request: %w", err)
	}
	return &req, nil
}

func (d *DynamoDBStorage) UpdateForwardingStatus(ctx context.Context, id int64, from, to models.ForwardingStatus) error {
	// "status" is a DynamoDB reserved word
	_, err := d.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 forwardingKey(id),
		UpdateExpression:    aws.String("SET #s = :to, updated_at = :now"),
		ConditionExpression: aws.String("#s = :from"),
		ExpressionAttributeNames: map[string]*string{
			"#s": aws.String("status"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":to":   {S: aws.String(string(to))},
			":from": {S: aws.String(string(from))},
			":now":  {S: aws.String(time.Now().UTC().Format(time.RFC3339Nano))},
		},
	})
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
		return ErrStatusConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update forwarding request %d: %w", id, err)
	}
	return nil
}

// Close closes the DynamoDB connection
func (d *DynamoDBStorage) Close() error {
	// DynamoDB client doesn't need explicit closing
	return nil
}

func forwardingKey(id int64) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"id": {N: aws.String(strconv.FormatInt(id, 10))},
	}
}
