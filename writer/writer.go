// Package writer writes DynamoDB items in batches and provides the throttling
// aware retry loop shared by the request-path stores.
package writer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gurre/courseshop/aws"
)

// MaxBatchSize is the BatchWriteItem request limit.
const MaxBatchSize = 25

// Item is a DynamoDB item as produced by attributevalue.MarshalMap.
type Item = map[string]types.AttributeValue

// Writer writes batches of items to a single table.
type Writer interface {
	WriteBatch(ctx context.Context, items []Item) error
}

// DynamoDBWriter implements Writer with BatchWriteItem. It splits input into
// requests of at most batchSize puts and resubmits unprocessed items.
type DynamoDBWriter struct {
	client    aws.DynamoDBClient
	tableName string
	batchSize int
	wait      func(ctx context.Context, attempt int) bool
}

// NewDynamoDBWriter creates a new DynamoDBWriter instance with the specified batch size
func NewDynamoDBWriter(client aws.DynamoDBClient, tableName string, batchSize int) *DynamoDBWriter {
	if batchSize < 1 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	return &DynamoDBWriter{
		client:    client,
		tableName: tableName,
		batchSize: batchSize,
		wait:      backoffWait,
	}
}

// IsThrottlingError returns true if the error is a DynamoDB throughput
// throttling error. These are recoverable by waiting for capacity to refill.
func IsThrottlingError(err error) bool {
	var throughputErr *types.ProvisionedThroughputExceededException
	var requestLimitErr *types.RequestLimitExceeded
	return errors.As(err, &throughputErr) || errors.As(err, &requestLimitErr)
}

// backoffWait sleeps for an exponentially increasing duration with jitter.
// Returns false if the context is cancelled during the wait.
func backoffWait(ctx context.Context, attempt int) bool {
	base := 50 * time.Millisecond
	maxDelay := 5 * time.Second

	delay := base * time.Duration(1<<uint(min(attempt, 16)))
	if delay > maxDelay {
		delay = maxDelay
	}
	delay += time.Duration(rand.Int64N(int64(delay)))

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// Retry runs fn, retrying throttling errors up to maxAttempts times with
// jittered exponential backoff. Any other error is returned immediately:
// request handlers fail fast and let the caller decide.
func Retry(ctx context.Context, maxAttempts int, fn func(ctx context.Context) error) error {
	return retry(ctx, maxAttempts, backoffWait, fn)
}

func retry(ctx context.Context, maxAttempts int, wait func(context.Context, int) bool, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !IsThrottlingError(err) {
			return err
		}
		if attempt+1 >= maxAttempts {
			return fmt.Errorf("throttled after %d attempts: %w", maxAttempts, err)
		}
		if !wait(ctx, attempt) {
			return ctx.Err()
		}
	}
}

// WriteBatch splits items into BatchWriteItem requests of w.batchSize puts.
// Throttling is retried until the context is cancelled; other errors are
// retried a bounded number of times.
func (w *DynamoDBWriter) WriteBatch(ctx context.Context, items []Item) error {
	for i := 0; i < len(items); i += w.batchSize {
		end := min(i+w.batchSize, len(items))

		requests := make([]types.WriteRequest, 0, end-i)
		for _, item := range items[i:end] {
			requests = append(requests, types.WriteRequest{
				PutRequest: &types.PutRequest{Item: item},
			})
		}

		if err := w.write(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{w.tableName: requests},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (w *DynamoDBWriter) write(ctx context.Context, input *dynamodb.BatchWriteItemInput) error {
	const maxRetries = 5
	attempt := 0
	failures := 0
	for {
		output, err := w.client.BatchWriteItem(ctx, input)
		if err != nil {
			if !IsThrottlingError(err) {
				failures++
				if failures > maxRetries {
					return fmt.Errorf("failed to write batch after %d retries: %w", maxRetries, err)
				}
			}
			if !w.wait(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		// Unprocessed items mean the table throttled part of the request.
		if len(output.UnprocessedItems) > 0 {
			input.RequestItems = output.UnprocessedItems
			if !w.wait(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		return nil
	}
}
