// Package config holds the runtime configuration for the API function and the
// catalog importer, with the validation rules each one enforces.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default values applied by FromEnv when a variable is unset.
const (
	DefaultUploadURLExpiry = 15 * time.Minute
	DefaultUploadMaxBytes  = 2 << 30 // 2 GiB
	DefaultCurrency        = "usd"
	DefaultLogLevel        = "info"
)

// Config holds everything the API function needs, read from the Lambda
// environment.
type Config struct {
	Region              string        // AWS region
	CoursesTable        string        // DynamoDB table holding courses
	UsersTable          string        // DynamoDB table holding user profiles
	EnrollmentsTable    string        // DynamoDB table holding enrollments
	UploadBucket        string        // S3 bucket receiving course content
	UploadURLExpiry     time.Duration // Lifetime of pre-signed upload URLs
	UploadMaxBytes      int64         // Largest object Attach accepts
	CognitoUserPoolID   string
	CognitoClientID     string
	CognitoClientSecret string // Optional; enables SECRET_HASH
	StripeSecretKey     string
	StripeWebhookSecret string
	FrontendURL         string // Origin allowed by CORS and base for checkout redirects
	Currency            string // ISO currency code, lower case
	LogLevel            string
}

// FromEnv reads the configuration using lookup, which is normally
// os.LookupEnv. Unset optional values receive their defaults. The result is
// not validated.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := &Config{
		Region:              get("AWS_REGION"),
		CoursesTable:        get("COURSES_TABLE"),
		UsersTable:          get("USERS_TABLE"),
		EnrollmentsTable:    get("ENROLLMENTS_TABLE"),
		UploadBucket:        get("UPLOAD_BUCKET"),
		UploadURLExpiry:     DefaultUploadURLExpiry,
		UploadMaxBytes:      DefaultUploadMaxBytes,
		CognitoUserPoolID:   get("COGNITO_USER_POOL_ID"),
		CognitoClientID:     get("COGNITO_CLIENT_ID"),
		CognitoClientSecret: get("COGNITO_CLIENT_SECRET"),
		StripeSecretKey:     get("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: get("STRIPE_WEBHOOK_SECRET"),
		FrontendURL:         strings.TrimRight(get("FRONTEND_URL"), "/"),
		Currency:            strings.ToLower(get("CURRENCY")),
		LogLevel:            strings.ToLower(get("LOG_LEVEL")),
	}

	if v := get("UPLOAD_URL_EXPIRY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid UPLOAD_URL_EXPIRY: %w", err)
		}
		cfg.UploadURLExpiry = d
	}
	if v := get("UPLOAD_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid UPLOAD_MAX_BYTES: %w", err)
		}
		cfg.UploadMaxBytes = n
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	return cfg, nil
}

// Validate ensures all required fields are present and have usable values.
func (c *Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}

	if c.CoursesTable == "" || c.UsersTable == "" || c.EnrollmentsTable == "" {
		return fmt.Errorf("courses, users and enrollments table names are required")
	}

	if c.UploadBucket == "" {
		return fmt.Errorf("upload bucket is required")
	}

	// S3 SigV4 pre-signed URLs cannot outlive seven days.
	if c.UploadURLExpiry < time.Minute || c.UploadURLExpiry > 7*24*time.Hour {
		return fmt.Errorf("upload URL expiry must be between 1m and 168h")
	}

	if c.UploadMaxBytes < 1 {
		return fmt.Errorf("upload max bytes must be positive")
	}

	if c.CognitoUserPoolID == "" || c.CognitoClientID == "" {
		return fmt.Errorf("cognito user pool id and client id are required")
	}

	if c.StripeSecretKey == "" {
		return fmt.Errorf("stripe secret key is required")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}

	if c.FrontendURL == "" {
		return fmt.Errorf("frontend URL is required")
	}
	u, err := url.Parse(c.FrontendURL)
	if err != nil {
		return fmt.Errorf("invalid frontend URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("frontend URL must use http or https")
	}

	if len(c.Currency) != 3 {
		return fmt.Errorf("currency must be a three letter ISO code")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of debug, info, warn, error")
	}

	return nil
}
