package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Worker modes
const (
	ModeOnce     = "once"
	ModeInterval = "interval"
)

// Post-import actions
const (
	ActionLeave = "leave"
	ActionMove  = "move"
)

// Config holds all configuration for the application
type Config struct {
	OneDrive   OneDriveConfig
	Webhook    WebhookConfig
	Ingestion  IngestionConfig
	Forwarding ForwardingConfig
	Storage    StorageConfig
	Server     ServerConfig
	LogLevel   string
}

// OneDriveConfig holds the Microsoft Graph identity and drive selection
type OneDriveConfig struct {
	TenantID          string
	ClientID          string
	ClientSecret      string
	AuthorityURL      string
	GraphURL          string
	DriveID           string
	UserPrincipalName string
	InboxFolderID     string
	ProcessedFolderID string
	RequestsPerSecond int
}

// WebhookConfig holds the backend import endpoint
type WebhookConfig struct {
	URL    string
	Secret string
}

// IngestionConfig holds ingestion-related configuration
type IngestionConfig struct {
	Mode             string
	Interval         time.Duration
	Timeout          time.Duration
	RetryCount       int
	PostImportAction string
}

// ForwardingConfig holds the status guard policy
type ForwardingConfig struct {
	StrictTransitions bool
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type          string // "memory", "dynamodb", "mongodb", "postgresql"
	Region        string // For AWS DynamoDB
	TableName     string
	Endpoint      string // Custom endpoint for local testing
	MongoDBURI    string
	MongoDatabase string
	PostgresURI   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int
	AllowedOrigins []string
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	cfg := &Config{
		OneDrive: OneDriveConfig{
			TenantID:          getEnv("ONEDRIVE_TENANT_ID", ""),
			ClientID:          getEnv("ONEDRIVE_CLIENT_ID", ""),
			ClientSecret:      getEnv("ONEDRIVE_CLIENT_SECRET", ""),
			AuthorityURL:      getEnv("ONEDRIVE_AUTHORITY_URL", "https://login.microsoftonline.com"),
			GraphURL:          getEnv("ONEDRIVE_GRAPH_URL", "https://graph.microsoft.com/v1.0"),
			DriveID:           getEnv("ONEDRIVE_DRIVE_ID", ""),
			UserPrincipalName: getEnv("ONEDRIVE_USER_UPN", ""),
			InboxFolderID:     getEnv("ONEDRIVE_INBOX_FOLDER_ID", ""),
			ProcessedFolderID: getEnv("ONEDRIVE_PROCESSED_FOLDER_ID", ""),
			RequestsPerSecond: getEnvInt("GRAPH_REQUESTS_PER_SECOND", 10),
		},
		Webhook: WebhookConfig{
			URL:    getEnv("MAIL_IMPORT_WEBHOOK_URL", ""),
			Secret: getEnv("MAIL_IMPORT_SECRET", ""),
		},
		Ingestion: IngestionConfig{
			Mode:             strings.ToLower(getEnv("WORKER_MODE", ModeOnce)),
			Interval:         time.Duration(getEnvInt("POLL_INTERVAL_MS", 60000)) * time.Millisecond,
			Timeout:          getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
			RetryCount:       getEnvInt("RETRY_COUNT", 3),
			PostImportAction: strings.ToLower(getEnv("POST_IMPORT_ACTION", ActionLeave)),
		},
		Forwarding: ForwardingConfig{
			StrictTransitions: getEnvBool("FORWARDING_STRICT_TRANSITIONS", true),
		},
		Storage: StorageConfig{
			Type:          getEnv("STORAGE_TYPE", "memory"),
			Region:        getEnv("AWS_REGION", "us-west-2"),
			TableName:     getEnv("TABLE_NAME", "mail_forwarding"),
			Endpoint:      getEnv("DYNAMODB_ENDPOINT", ""), // For local DynamoDB
			MongoDBURI:    getEnv("MONGODB_URI", ""),
			MongoDatabase: getEnv("MONGODB_DATABASE", "mail_intake"),
			PostgresURI:   getEnv("POSTGRES_URI", ""),
		},
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the process cannot start without
func (c *Config) Validate() error {
	var errs []error
	if c.Webhook.URL == "" {
		errs = append(errs, errors.New("MAIL_IMPORT_WEBHOOK_URL is required"))
	}
	if c.Webhook.Secret == "" {
		errs = append(errs, errors.New("MAIL_IMPORT_SECRET is required"))
	}
	switch c.Ingestion.Mode {
	case ModeOnce, ModeInterval:
	default:
		errs = append(errs, fmt.Errorf("WORKER_MODE must be %q or %q, got %q", ModeOnce, ModeInterval, c.Ingestion.Mode))
	}
	if c.Ingestion.Mode == ModeInterval && c.Ingestion.Interval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL_MS must be positive"))
	}
	switch c.Ingestion.PostImportAction {
	case ActionLeave, ActionMove:
	default:
		errs = append(errs, fmt.Errorf("POST_IMPORT_ACTION must be %q or %q, got %q", ActionLeave, ActionMove, c.Ingestion.PostImportAction))
	}
	if c.Ingestion.PostImportAction == ActionMove && c.OneDrive.ProcessedFolderID == "" {
		errs = append(errs, errors.New("ONEDRIVE_PROCESSED_FOLDER_ID is required when POST_IMPORT_ACTION is move"))
	}
	return errors.Join(errs...)
}

// Validate checks the drive selection needed before any Graph call
func (o OneDriveConfig) Validate() error {
	var errs []error
	if o.DriveID == "" && o.UserPrincipalName == "" {
		errs = append(errs, errors.New("one of ONEDRIVE_DRIVE_ID or ONEDRIVE_USER_UPN is required"))
	}
	if o.InboxFolderID == "" {
		errs = append(errs, errors.New("ONEDRIVE_INBOX_FOLDER_ID is required"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
