// Package users stores the profile row kept alongside each Cognito identity.
package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gurre/courseshop/aws"
	"github.com/gurre/courseshop/writer"
)

var (
	// ErrNotFound is returned when no profile exists for an id.
	ErrNotFound = errors.New("user not found")
	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("user already exists")
)

type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

// Status is the subscription state. It becomes active after the first
// confirmed enrollment and never goes back.
type Status string

const (
	StatusNone   Status = "none"
	StatusActive Status = "active"
)

// User is the profile row. ID is the Cognito subject.
type User struct {
	ID                 string    `json:"id" dynamodbav:"id"`
	Email              string    `json:"email" dynamodbav:"email"`
	Name               string    `json:"name" dynamodbav:"name"`
	Role               Role      `json:"role" dynamodbav:"role"`
	SubscriptionStatus Status    `json:"subscriptionStatus" dynamodbav:"subscriptionStatus"`
	CreatedAt          time.Time `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt" dynamodbav:"updatedAt"`
}

// IsAdmin reports whether u may use the admin routes.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Store reads and writes profiles in one table.
type Store struct {
	client aws.DynamoDBClient
	table  string
	now    func() time.Time
}

func NewStore(client aws.DynamoDBClient, table string) *Store {
	return &Store{client: client, table: table, now: time.Now}
}

// Key returns the primary key for id.
func Key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

// Create stores a new student profile with no subscription.
func (s *Store) Create(ctx context.Context, id, email, name string) (User, error) {
	now := s.now().UTC()
	u := User{
		ID:                 id,
		Email:              email,
		Name:               name,
		Role:               RoleStudent,
		SubscriptionStatus: StatusNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	item, err := attributevalue.MarshalMap(u)
	if err != nil {
		return User{}, fmt.Errorf("failed to encode user: %w", err)
	}

	err = writer.Retry(ctx, 3, func(ctx context.Context) error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           &s.table,
			Item:                item,
			ConditionExpression: awssdk.String("attribute_not_exists(id)"),
		})
		return err
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return User{}, ErrExists
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to create user %s: %w", id, err)
	}
	return u, nil
}

// Get loads a profile.
func (s *Store) Get(ctx context.Context, id string) (User, error) {
	var out *dynamodb.GetItemOutput
	err := writer.Retry(ctx, 3, func(ctx context.Context) error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      &s.table,
			Key:            Key(id),
			ConsistentRead: awssdk.Bool(true),
		})
		return err
	})
	if err != nil {
		return User{}, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	if out.Item == nil {
		return User{}, ErrNotFound
	}

	var u User
	if err := attributevalue.UnmarshalMap(out.Item, &u); err != nil {
		return User{}, fmt.Errorf("failed to decode user %s: %w", id, err)
	}
	return u, nil
}
