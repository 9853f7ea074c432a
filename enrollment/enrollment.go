// Package enrollment confirms course purchases. A confirmation checks the
// payment with the processor and then, in one DynamoDB transaction, writes
// the enrollment row and marks the buyer's subscription active.
//
// The (userId, courseId) key is the idempotency key: the payment metadata
// binds every payment to exactly one pair, so a replayed confirmation for
// the same payment resolves to the row the first one wrote.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/gurre/courseshop/aws"
	"github.com/gurre/courseshop/catalog"
	"github.com/gurre/courseshop/users"
	"github.com/gurre/courseshop/writer"
)

var (
	ErrInvalidConfirmation = errors.New("paymentRef, userId and courseId are required")
	ErrPaymentNotSucceeded = errors.New("payment has not succeeded")
	ErrPaymentMismatch     = errors.New("payment does not match this purchase")
	ErrNotFound            = errors.New("enrollment not found")
)

// Payment is the processor's view of one payment.
type Payment struct {
	Ref       string
	Succeeded bool
	UserID    string
	CourseID  string
	// Amount received, in minor currency units.
	Amount   int64
	Currency string
}

// PaymentVerifier looks up a payment by reference.
type PaymentVerifier interface {
	Payment(ctx context.Context, ref string) (Payment, error)
}

// Courses resolves the course being bought.
type Courses interface {
	Get(ctx context.Context, id string) (catalog.Course, error)
}

// Enrollment links a user to a purchased course.
type Enrollment struct {
	UserID       string    `json:"userId" dynamodbav:"userId"`
	CourseID     string    `json:"courseId" dynamodbav:"courseId"`
	EnrollmentID string    `json:"enrollmentId" dynamodbav:"enrollmentId"`
	PaymentRef   string    `json:"paymentRef" dynamodbav:"paymentRef"`
	CreatedAt    time.Time `json:"createdAt" dynamodbav:"createdAt"`
}

// ConfirmInput is the confirmation request.
type ConfirmInput struct {
	PaymentRef string `json:"paymentRef"`
	UserID     string `json:"-"`
	CourseID   string `json:"courseId"`
}

// Service confirms and lists enrollments.
type Service struct {
	client     aws.DynamoDBClient
	table      string
	usersTable string
	courses    Courses
	payments   PaymentVerifier
	currency   string
	now        func() time.Time
	newID      func() string
}

// NewService creates a Service. A non-empty currency is enforced on every
// confirmed payment.
func NewService(client aws.DynamoDBClient, table, usersTable string, courses Courses, payments PaymentVerifier, currency string) *Service {
	return &Service{
		client:     client,
		table:      table,
		usersTable: usersTable,
		courses:    courses,
		payments:   payments,
		currency:   strings.ToLower(currency),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

func key(userID, courseID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId":   &types.AttributeValueMemberS{Value: userID},
		"courseId": &types.AttributeValueMemberS{Value: courseID},
	}
}

// Confirm verifies the payment and records the enrollment. created is false
// when the enrollment already existed.
func (s *Service) Confirm(ctx context.Context, in ConfirmInput) (e Enrollment, created bool, err error) {
	if in.PaymentRef == "" || in.UserID == "" || in.CourseID == "" {
		return Enrollment{}, false, ErrInvalidConfirmation
	}

	course, err := s.courses.Get(ctx, in.CourseID)
	if err != nil {
		return Enrollment{}, false, err
	}

	p, err := s.payments.Payment(ctx, in.PaymentRef)
	if err != nil {
		return Enrollment{}, false, err
	}
	if err := s.check(p, in, course); err != nil {
		return Enrollment{}, false, err
	}

	e = Enrollment{
		UserID:       in.UserID,
		CourseID:     in.CourseID,
		EnrollmentID: s.newID(),
		PaymentRef:   in.PaymentRef,
		CreatedAt:    s.now().UTC(),
	}
	return s.record(ctx, e)
}

func (s *Service) check(p Payment, in ConfirmInput, course catalog.Course) error {
	if !p.Succeeded {
		return ErrPaymentNotSucceeded
	}
	if p.UserID != in.UserID || p.CourseID != in.CourseID {
		return fmt.Errorf("%w: payment %s belongs to another purchase", ErrPaymentMismatch, p.Ref)
	}
	if p.Amount < course.Price {
		return fmt.Errorf("%w: received %d, course price is %d", ErrPaymentMismatch, p.Amount, course.Price)
	}
	if s.currency != "" && p.Currency != "" && !strings.EqualFold(p.Currency, s.currency) {
		return fmt.Errorf("%w: paid in %s, expected %s", ErrPaymentMismatch, p.Currency, s.currency)
	}
	return nil
}

func (s *Service) record(ctx context.Context, e Enrollment) (Enrollment, bool, error) {
	item, err := attributevalue.MarshalMap(e)
	if err != nil {
		return Enrollment{}, false, fmt.Errorf("failed to encode enrollment: %w", err)
	}
	values, err := attributevalue.MarshalMap(map[string]any{
		":active":    users.StatusActive,
		":updatedAt": e.CreatedAt,
	})
	if err != nil {
		return Enrollment{}, false, fmt.Errorf("failed to encode user update: %w", err)
	}

	input := &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           awssdk.String(s.table),
					Item:                item,
					ConditionExpression: awssdk.String("attribute_not_exists(userId)"),
				},
			},
			{
				Update: &types.Update{
					TableName:           awssdk.String(s.usersTable),
					Key:                 users.Key(e.UserID),
					UpdateExpression:    awssdk.String("SET #status = :active, #updatedAt = :updatedAt"),
					ConditionExpression: awssdk.String("attribute_exists(#id)"),
					ExpressionAttributeNames: map[string]string{
						"#id":        "id",
						"#status":    "subscriptionStatus",
						"#updatedAt": "updatedAt",
					},
					ExpressionAttributeValues: values,
				},
			},
		},
		ClientRequestToken: awssdk.String(e.EnrollmentID),
	}

	const maxConflicts = 3
	for attempt := 1; ; attempt++ {
		err = writer.Retry(ctx, 3, func(ctx context.Context) error {
			_, err := s.client.TransactWriteItems(ctx, input)
			return err
		})
		if err == nil {
			return e, true, nil
		}

		var cancelled *types.TransactionCanceledException
		if !errors.As(err, &cancelled) {
			return Enrollment{}, false, fmt.Errorf("failed to record enrollment: %w", err)
		}
		switch {
		case reasonIs(cancelled, 0, "ConditionalCheckFailed"):
			existing, err := s.Get(ctx, e.UserID, e.CourseID)
			if err != nil {
				return Enrollment{}, false, err
			}
			return existing, false, nil
		case reasonIs(cancelled, 1, "ConditionalCheckFailed"):
			return Enrollment{}, false, users.ErrNotFound
		case (reasonIs(cancelled, 0, "TransactionConflict") || reasonIs(cancelled, 1, "TransactionConflict")) && attempt < maxConflicts:
			continue
		default:
			return Enrollment{}, false, fmt.Errorf("enrollment transaction cancelled: %w", err)
		}
	}
}

func reasonIs(err *types.TransactionCanceledException, i int, code string) bool {
	return i < len(err.CancellationReasons) && awssdk.ToString(err.CancellationReasons[i].Code) == code
}

// Get loads one enrollment.
func (s *Service) Get(ctx context.Context, userID, courseID string) (Enrollment, error) {
	var out *dynamodb.GetItemOutput
	err := writer.Retry(ctx, 3, func(ctx context.Context) error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      &s.table,
			Key:            key(userID, courseID),
			ConsistentRead: awssdk.Bool(true),
		})
		return err
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("failed to get enrollment: %w", err)
	}
	if out.Item == nil {
		return Enrollment{}, ErrNotFound
	}
	var e Enrollment
	if err := attributevalue.UnmarshalMap(out.Item, &e); err != nil {
		return Enrollment{}, fmt.Errorf("failed to decode enrollment: %w", err)
	}
	return e, nil
}

// ListByUser returns every enrollment of one user.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]Enrollment, error) {
	enrollments := []Enrollment{}
	var startKey map[string]types.AttributeValue
	for {
		var out *dynamodb.QueryOutput
		err := writer.Retry(ctx, 3, func(ctx context.Context) error {
			var err error
			out, err = s.client.Query(ctx, &dynamodb.QueryInput{
				TableName:                 &s.table,
				KeyConditionExpression:    awssdk.String("#userId = :userId"),
				ExpressionAttributeNames:  map[string]string{"#userId": "userId"},
				ExpressionAttributeValues: map[string]types.AttributeValue{":userId": &types.AttributeValueMemberS{Value: userID}},
				ExclusiveStartKey:         startKey,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list enrollments: %w", err)
		}

		var page []Enrollment
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to decode enrollments: %w", err)
		}
		enrollments = append(enrollments, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return enrollments, nil
		}
		startKey = out.LastEvaluatedKey
	}
}
