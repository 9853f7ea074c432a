// Command catalog-import bulk loads courses from JSON-lines files in S3 into
// the courses table, resuming from a checkpoint when one is given.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gurre/courseshop/aws"
	"github.com/gurre/courseshop/catalogimport"
	"github.com/gurre/courseshop/checkpoint"
	"github.com/gurre/courseshop/config"
	"github.com/gurre/courseshop/writer"
	"github.com/gurre/s3streamer"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*config.ImportConfig, error) {
	fs := flag.NewFlagSet("catalog-import", flag.ContinueOnError)

	tableName := fs.String("table", "", "DynamoDB courses table to import into")
	sources := fs.String("source", "", "Comma separated S3 URIs of JSON-lines course files")
	region := fs.String("region", os.Getenv("AWS_REGION"), "AWS region (defaults to AWS_REGION env)")
	resumeKey := fs.String("resume", "", "Checkpoint URI (s3://bucket/key or file:///path)")
	maxWorkers := fs.Int("workers", 4, "Maximum number of concurrent workers")
	batchSize := fs.Int("batch", writer.MaxBatchSize, "Batch size for DynamoDB writes (max 25)")
	reportS3URI := fs.String("report", "", "S3 URI for the final report")
	principal := fs.String("principal", "", "IAM principal ARN to preflight permissions for")
	dryRun := fs.Bool("dry-run", false, "Validate every line without writing")
	shutdownTimeout := fs.Duration("shutdown-timeout", 30*time.Second, "Time allowed to save progress after an interrupt")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg := &config.ImportConfig{
		TableName:       *tableName,
		Sources:         config.SplitSources(*sources),
		Region:          *region,
		ResumeKey:       *resumeKey,
		MaxWorkers:      *maxWorkers,
		BatchSize:       *batchSize,
		ReportS3URI:     *reportS3URI,
		PrincipalARN:    *principal,
		DryRun:          *dryRun,
		ShutdownTimeout: *shutdownTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	dynamoClient := aws.NewDynamoDBClient(dynamodb.NewFromConfig(awsCfg))
	rawS3Client := s3.NewFromConfig(awsCfg)
	s3Client := aws.NewS3Client(rawS3Client)

	// Dry runs never persist progress.
	resume := cfg.ResumeKey
	if cfg.DryRun {
		resume = ""
	}
	store, err := checkpoint.New(resume, s3Client)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	importer := catalogimport.NewImporter(
		cfg,
		s3streamer.NewS3Streamer(rawS3Client),
		writer.NewDynamoDBWriter(dynamoClient, cfg.TableName, cfg.BatchSize),
		store,
		catalogimport.WithIAM(iam.NewFromConfig(awsCfg)),
		catalogimport.WithReportClient(s3Client),
	)

	fmt.Printf("Importing %d file(s) into %s\n", len(cfg.Sources), cfg.TableName)
	if _, err := importer.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) && cfg.ResumeKey != "" {
			return fmt.Errorf("import interrupted, rerun with -resume %s to continue: %w", cfg.ResumeKey, err)
		}
		return fmt.Errorf("import failed: %w", err)
	}
	return nil
}
