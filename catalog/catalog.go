// Package catalog stores courses in DynamoDB: get-one, unpaginated list,
// list by instructor through a secondary index, create, update, delete and
// content attachment.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/gurre/courseshop/aws"
	"github.com/gurre/courseshop/validation"
	"github.com/gurre/courseshop/writer"
)

// InstructorIndex is the GSI on the courses table keyed by instructor.
const InstructorIndex = "instructor-index"

// maxAttempts bounds throttling retries on the request path.
const maxAttempts = 3

// ErrNotFound is returned when a course id does not exist.
var ErrNotFound = errors.New("course not found")

// Level is the difficulty of a course.
type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

// Course is a catalog entry. Price is in minor currency units.
type Course struct {
	ID          string    `json:"id" dynamodbav:"id"`
	Title       string    `json:"title" dynamodbav:"title"`
	Description string    `json:"description" dynamodbav:"description"`
	Price       int64     `json:"price" dynamodbav:"price"`
	Instructor  string    `json:"instructor" dynamodbav:"instructor"`
	Level       Level     `json:"level" dynamodbav:"level"`
	Contents    []string  `json:"contents" dynamodbav:"contents"`
	CreatedAt   time.Time `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt" dynamodbav:"updatedAt"`
}

// Input carries the caller-supplied course fields for create and update.
// A nil Contents leaves existing contents untouched on update.
type Input struct {
	Title       string   `json:"title" validate:"required,min=1,max=200"`
	Description string   `json:"description" validate:"max=5000"`
	Price       int64    `json:"price" validate:"gte=0"`
	Instructor  string   `json:"instructor" validate:"required,max=200"`
	Level       Level    `json:"level" validate:"required,oneof=beginner intermediate advanced"`
	Contents    []string `json:"contents" validate:"omitempty,dive,required,max=1024"`
}

// Validate checks in against the field rules.
func Validate(in Input) error {
	return validation.Struct(in)
}

// Build assembles a new course from validated input.
func Build(id string, in Input, now time.Time) Course {
	contents := in.Contents
	if contents == nil {
		contents = []string{}
	}
	return Course{
		ID:          id,
		Title:       in.Title,
		Description: in.Description,
		Price:       in.Price,
		Instructor:  in.Instructor,
		Level:       in.Level,
		Contents:    contents,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
}

// Store implements course CRUD against one DynamoDB table.
type Store struct {
	client aws.DynamoDBClient
	table  string
	now    func() time.Time
	newID  func() string
}

// NewStore creates a Store for the given table.
func NewStore(client aws.DynamoDBClient, table string) *Store {
	return &Store{
		client: client,
		table:  table,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

func isConditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

// Get returns one course.
func (s *Store) Get(ctx context.Context, id string) (Course, error) {
	var out *dynamodb.GetItemOutput
	err := writer.Retry(ctx, maxAttempts, func(ctx context.Context) error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: &s.table,
			Key:       key(id),
		})
		return err
	})
	if err != nil {
		return Course{}, fmt.Errorf("failed to get course %s: %w", id, err)
	}
	if out.Item == nil {
		return Course{}, ErrNotFound
	}

	var c Course
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return Course{}, fmt.Errorf("failed to decode course %s: %w", id, err)
	}
	return c, nil
}

// List scans the whole table, following LastEvaluatedKey until exhausted.
func (s *Store) List(ctx context.Context) ([]Course, error) {
	courses := []Course{}
	var startKey map[string]types.AttributeValue
	for {
		var out *dynamodb.ScanOutput
		err := writer.Retry(ctx, maxAttempts, func(ctx context.Context) error {
			var err error
			out, err = s.client.Scan(ctx, &dynamodb.ScanInput{
				TableName:         &s.table,
				ExclusiveStartKey: startKey,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan courses: %w", err)
		}

		var page []Course
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to decode courses: %w", err)
		}
		courses = append(courses, page...)

		if len(out.LastEvaluatedKey) == 0 {
			return courses, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// ListByInstructor queries the instructor index.
func (s *Store) ListByInstructor(ctx context.Context, instructor string) ([]Course, error) {
	courses := []Course{}
	var startKey map[string]types.AttributeValue
	for {
		var out *dynamodb.QueryOutput
		err := writer.Retry(ctx, maxAttempts, func(ctx context.Context) error {
			var err error
			out, err = s.client.Query(ctx, &dynamodb.QueryInput{
				TableName:                 &s.table,
				IndexName:                 awssdk.String(InstructorIndex),
				KeyConditionExpression:    awssdk.String("#instructor = :instructor"),
				ExpressionAttributeNames:  map[string]string{"#instructor": "instructor"},
				ExpressionAttributeValues: map[string]types.AttributeValue{":instructor": &types.AttributeValueMemberS{Value: instructor}},
				ExclusiveStartKey:         startKey,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query courses by instructor: %w", err)
		}

		var page []Course
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to decode courses: %w", err)
		}
		courses = append(courses, page...)

		if len(out.LastEvaluatedKey) == 0 {
			return courses, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// Create validates in and stores it under a new id.
func (s *Store) Create(ctx context.Context, in Input) (Course, error) {
	if err := Validate(in); err != nil {
		return Course{}, err
	}

	c := Build(s.newID(), in, s.now())
	item, err := attributevalue.MarshalMap(c)
	if err != nil {
		return Course{}, fmt.Errorf("failed to encode course: %w", err)
	}

	err = writer.Retry(ctx, maxAttempts, func(ctx context.Context) error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           &s.table,
			Item:                item,
			ConditionExpression: awssdk.String("attribute_not_exists(id)"),
		})
		return err
	})
	if err != nil {
		return Course{}, fmt.Errorf("failed to create course: %w", err)
	}
	return c, nil
}

// Update overwrites the mutable fields of an existing course. There is no
// version check: the last writer wins.
func (s *Store) Update(ctx context.Context, id string, in Input) (Course, error) {
	if err := Validate(in); err != nil {
		return Course{}, err
	}

	values, err := attributevalue.MarshalMap(map[string]any{
		":title":       in.Title,
		":description": in.Description,
		":price":       in.Price,
		":instructor":  in.Instructor,
		":level":       in.Level,
		":updatedAt":   s.now().UTC(),
	})
	if err != nil {
		return Course{}, fmt.Errorf("failed to encode course update: %w", err)
	}
	names := map[string]string{
		"#id":          "id",
		"#title":       "title",
		"#description": "description",
		"#price":       "price",
		"#instructor":  "instructor",
		"#level":       "level",
		"#updatedAt":   "updatedAt",
	}
	expr := "SET #title = :title, #description = :description, #price = :price, " +
		"#instructor = :instructor, #level = :level, #updatedAt = :updatedAt"
	if in.Contents != nil {
		contents, err := attributevalue.Marshal(in.Contents)
		if err != nil {
			return Course{}, fmt.Errorf("failed to encode contents: %w", err)
		}
		values[":contents"] = contents
		names["#contents"] = "contents"
		expr += ", #contents = :contents"
	}

	return s.update(ctx, id, expr, names, values)
}

// AddContent appends an object key to the course's content list.
func (s *Store) AddContent(ctx context.Context, id, objectKey string) (Course, error) {
	values, err := attributevalue.MarshalMap(map[string]any{
		":keys":      []string{objectKey},
		":empty":     []string{},
		":updatedAt": s.now().UTC(),
	})
	if err != nil {
		return Course{}, fmt.Errorf("failed to encode content update: %w", err)
	}
	names := map[string]string{
		"#id":        "id",
		"#contents":  "contents",
		"#updatedAt": "updatedAt",
	}
	expr := "SET #contents = list_append(if_not_exists(#contents, :empty), :keys), #updatedAt = :updatedAt"
	return s.update(ctx, id, expr, names, values)
}

func (s *Store) update(ctx context.Context, id, expr string, names map[string]string, values map[string]types.AttributeValue) (Course, error) {
	var out *dynamodb.UpdateItemOutput
	err := writer.Retry(ctx, maxAttempts, func(ctx context.Context) error {
		var err error
		out, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 &s.table,
			Key:                       key(id),
			UpdateExpression:          &expr,
			ConditionExpression:       awssdk.String("attribute_exists(#id)"),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ReturnValues:              types.ReturnValueAllNew,
		})
		return err
	})
	if isConditionFailed(err) {
		return Course{}, ErrNotFound
	}
	if err != nil {
		return Course{}, fmt.Errorf("failed to update course %s: %w", id, err)
	}

	var c Course
	if err := attributevalue.UnmarshalMap(out.Attributes, &c); err != nil {
		return Course{}, fmt.Errorf("failed to decode course %s: %w", id, err)
	}
	return c, nil
}

// Delete removes a course. Enrollments that reference it are left in place.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := writer.Retry(ctx, maxAttempts, func(ctx context.Context) error {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:           &s.table,
			Key:                 key(id),
			ConditionExpression: awssdk.String("attribute_exists(id)"),
		})
		return err
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete course %s: %w", id, err)
	}
	return nil
}
