// Command courses-api is the Lambda function serving the course shop API
// behind an API Gateway REST proxy integration.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gurre/courseshop/api"
	"github.com/gurre/courseshop/aws"
	"github.com/gurre/courseshop/catalog"
	"github.com/gurre/courseshop/config"
	"github.com/gurre/courseshop/enrollment"
	"github.com/gurre/courseshop/identity"
	"github.com/gurre/courseshop/payments"
	"github.com/gurre/courseshop/uploads"
	"github.com/gurre/courseshop/users"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// A .env file is optional and only present for local runs.
	_ = godotenv.Load()

	cfg, err := config.FromEnv(os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	server, err := newServer(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise", zap.Error(err))
	}

	logger.Info("starting",
		zap.String("region", cfg.Region),
		zap.String("user_pool", cfg.CognitoUserPoolID),
		zap.String("courses_table", cfg.CoursesTable),
	)
	lambda.Start(server.Handle)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// newServer builds the AWS and Stripe clients once per container and wires
// them into the API.
func newServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*api.Server, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	dynamoClient := aws.NewDynamoDBClient(dynamodb.NewFromConfig(awsCfg))
	rawS3Client := s3.NewFromConfig(awsCfg)
	cognito := aws.NewCognitoClient(cognitoidentityprovider.NewFromConfig(awsCfg))

	courses := catalog.NewStore(dynamoClient, cfg.CoursesTable)
	profiles := users.NewStore(dynamoClient, cfg.UsersTable)
	stripe := payments.NewStripe(
		payments.NewAPI(cfg.StripeSecretKey),
		cfg.StripeWebhookSecret,
		cfg.Currency,
		cfg.FrontendURL,
	)

	deps := api.Deps{
		Identity: identity.NewService(cognito, profiles, cfg.CognitoClientID, cfg.CognitoClientSecret),
		Profiles: profiles,
		Catalog:  courses,
		Uploads: uploads.NewBroker(
			s3.NewPresignClient(rawS3Client),
			aws.NewS3Client(rawS3Client),
			courses,
			cfg.UploadBucket,
			cfg.UploadURLExpiry,
			cfg.UploadMaxBytes,
		),
		Payments:    stripe,
		Enrollments: enrollment.NewService(dynamoClient, cfg.EnrollmentsTable, cfg.UsersTable, courses, stripe, cfg.Currency),
	}
	return api.New(deps, logger, cfg.FrontendURL), nil
}
