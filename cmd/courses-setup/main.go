// Command courses-setup creates the courses, users and enrollments tables and
// optionally seeds sample courses for local and staging environments.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/gurre/courseshop/aws"
	"github.com/gurre/courseshop/catalog"
	"github.com/gurre/courseshop/writer"
)

// TableManager covers table creation and the backup switch.
// The AWS DynamoDB client satisfies this interface.
type TableManager interface {
	aws.TableAdmin
	UpdateContinuousBackups(ctx context.Context, params *dynamodb.UpdateContinuousBackupsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateContinuousBackupsOutput, error)
}

var _ TableManager = (*dynamodb.Client)(nil)

// Config holds the command-line configuration.
type Config struct {
	Prefix      string
	SeedCourses int
	Seed        int64
	EnablePITR  bool
	Region      string
	WaitTimeout time.Duration
}

// Tables names the three tables created for a prefix.
type Tables struct {
	Courses     string
	Users       string
	Enrollments string
}

func tablesFor(prefix string) Tables {
	return Tables{
		Courses:     prefix + "courses",
		Users:       prefix + "users",
		Enrollments: prefix + "enrollments",
	}
}

func stringKey(name string) types.AttributeDefinition {
	return types.AttributeDefinition{AttributeName: awssdk.String(name), AttributeType: types.ScalarAttributeTypeS}
}

// tableInputs describes every table. Courses carries the instructor GSI,
// enrollments are keyed by user then course.
func tableInputs(t Tables) []*dynamodb.CreateTableInput {
	return []*dynamodb.CreateTableInput{
		{
			TableName:            awssdk.String(t.Courses),
			AttributeDefinitions: []types.AttributeDefinition{stringKey("id"), stringKey("instructor")},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: awssdk.String("id"), KeyType: types.KeyTypeHash},
			},
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
				{
					IndexName: awssdk.String(catalog.InstructorIndex),
					KeySchema: []types.KeySchemaElement{
						{AttributeName: awssdk.String("instructor"), KeyType: types.KeyTypeHash},
					},
					Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
				},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
		{
			TableName:            awssdk.String(t.Users),
			AttributeDefinitions: []types.AttributeDefinition{stringKey("id")},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: awssdk.String("id"), KeyType: types.KeyTypeHash},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
		{
			TableName:            awssdk.String(t.Enrollments),
			AttributeDefinitions: []types.AttributeDefinition{stringKey("userId"), stringKey("courseId")},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: awssdk.String("userId"), KeyType: types.KeyTypeHash},
				{AttributeName: awssdk.String("courseId"), KeyType: types.KeyTypeRange},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
	}
}

// createTables creates each table that does not exist yet and waits for it
// to become active. Existing tables are left untouched.
func createTables(ctx context.Context, client TableManager, t Tables, cfg Config, out io.Writer) error {
	for _, input := range tableInputs(t) {
		name := awssdk.ToString(input.TableName)
		_, err := client.CreateTable(ctx, input)
		var inUse *types.ResourceInUseException
		switch {
		case errors.As(err, &inUse):
			fmt.Fprintf(out, "Table %s already exists\n", name)
			continue
		case err != nil:
			return fmt.Errorf("failed to create table %s: %w", name, err)
		}
		fmt.Fprintf(out, "Created table: %s\n", name)

		waiter := dynamodb.NewTableExistsWaiter(client)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: input.TableName}, cfg.WaitTimeout); err != nil {
			return fmt.Errorf("failed to wait for table %s: %w", name, err)
		}

		if cfg.EnablePITR {
			_, err := client.UpdateContinuousBackups(ctx, &dynamodb.UpdateContinuousBackupsInput{
				TableName: input.TableName,
				PointInTimeRecoverySpecification: &types.PointInTimeRecoverySpecification{
					PointInTimeRecoveryEnabled: awssdk.Bool(true),
				},
			})
			if err != nil {
				log.Printf("Warning: failed to enable PITR on %s: %v", name, err)
			}
		}
	}
	return nil
}

var (
	titleWords  = []string{"Practical", "Modern", "Applied", "Hands-on", "Complete", "Intro to"}
	titleTopics = []string{"Go", "DynamoDB", "Serverless", "Distributed Systems", "Networking", "Testing"}
	instructors = []string{"ana", "bo", "chen", "dara"}
	levels      = []catalog.Level{catalog.LevelBeginner, catalog.LevelIntermediate, catalog.LevelAdvanced}
)

// sampleCourse builds a deterministic course for seed index i.
func sampleCourse(r *rand.Rand, i int, now time.Time) catalog.Course {
	title := fmt.Sprintf("%s %s", titleWords[r.Intn(len(titleWords))], titleTopics[r.Intn(len(titleTopics))])
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("seed-course-%d", i))).String()
	return catalog.Build(id, catalog.Input{
		Title:       title,
		Description: fmt.Sprintf("Sample course %d: %s", i+1, title),
		Price:       int64(r.Intn(20)) * 500,
		Instructor:  instructors[r.Intn(len(instructors))],
		Level:       levels[r.Intn(len(levels))],
	}, now)
}

// seedCourses writes n sample courses in batches.
func seedCourses(ctx context.Context, w writer.Writer, n int, r *rand.Rand, out io.Writer) error {
	now := time.Now()
	items := make([]writer.Item, 0, writer.MaxBatchSize)
	written := 0
	flush := func() error {
		if len(items) == 0 {
			return nil
		}
		if err := w.WriteBatch(ctx, items); err != nil {
			return fmt.Errorf("failed to seed courses: %w", err)
		}
		written += len(items)
		items = items[:0]
		fmt.Fprintf(out, "Seeded %d courses...\n", written)
		return nil
	}

	for i := 0; i < n; i++ {
		item, err := attributevalue.MarshalMap(sampleCourse(r, i, now))
		if err != nil {
			return fmt.Errorf("failed to encode course %d: %w", i, err)
		}
		items = append(items, item)
		if len(items) == writer.MaxBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func main() {
	cfg := Config{}
	flag.StringVar(&cfg.Prefix, "prefix", "courseshop-", "Prefix for table names")
	flag.IntVar(&cfg.SeedCourses, "seed-courses", 0, "Number of sample courses to write")
	flag.Int64Var(&cfg.Seed, "seed", 0, "Random seed for sample courses (0 = time-based)")
	flag.BoolVar(&cfg.EnablePITR, "pitr", false, "Enable point-in-time recovery on new tables")
	flag.StringVar(&cfg.Region, "region", os.Getenv("AWS_REGION"), "AWS region (defaults to AWS_REGION env)")
	flag.DurationVar(&cfg.WaitTimeout, "wait", 5*time.Minute, "How long to wait for each table to become active")
	flag.Parse()

	if cfg.SeedCourses < 0 {
		log.Fatalf("-seed-courses must not be negative")
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(seed))

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		log.Fatalf("Unable to load SDK config: %v", err)
	}
	client := dynamodb.NewFromConfig(awsCfg)
	tables := tablesFor(cfg.Prefix)

	if err := createTables(ctx, client, tables, cfg, os.Stdout); err != nil {
		log.Fatalf("Setup failed: %v", err)
	}

	if cfg.SeedCourses > 0 {
		fmt.Printf("Using seed: %d\n", seed)
		w := writer.NewDynamoDBWriter(aws.NewDynamoDBClient(client), tables.Courses, writer.MaxBatchSize)
		if err := seedCourses(ctx, w, cfg.SeedCourses, r, os.Stdout); err != nil {
			log.Fatalf("Seeding failed: %v", err)
		}
	}

	fmt.Printf("COURSES_TABLE=%s\nUSERS_TABLE=%s\nENROLLMENTS_TABLE=%s\n", tables.Courses, tables.Users, tables.Enrollments)
}
