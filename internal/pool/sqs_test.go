package pool

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-systems/gantry/internal/suite"
	"github.com/gantry-systems/gantry/pkg/types"
)

// fakeSQS is an in-memory queue honoring message deduplication ids the
// way a FIFO queue with content deduplication does.
type fakeSQS struct {
	messages   []string
	dedup      map[string]bool
	batchSizes []int
	receipts   int
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{dedup: make(map[string]bool)}
}

func (f *fakeSQS) SendMessage(_ context.Context, input *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.enqueue(aws.ToString(input.MessageBody), aws.ToString(input.MessageDeduplicationId))
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) SendMessageBatch(_ context.Context, input *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	if len(input.Entries) > sqsBatchLimit {
		return nil, fmt.Errorf("batch of %d exceeds the SQS limit", len(input.Entries))
	}
	f.batchSizes = append(f.batchSizes, len(input.Entries))
	for _, e := range input.Entries {
		f.enqueue(aws.ToString(e.MessageBody), aws.ToString(e.MessageDeduplicationId))
	}
	return &sqs.SendMessageBatchOutput{}, nil
}

func (f *fakeSQS) enqueue(body, dedupID string) {
	if f.dedup[dedupID] {
		return
	}
	f.dedup[dedupID] = true
	f.messages = append(f.messages, body)
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if len(f.messages) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	body := f.messages[0]
	f.messages = f.messages[1:]
	f.receipts++
	return &sqs.ReceiveMessageOutput{
		Messages: []sqstypes.Message{{
			Body:          aws.String(body),
			ReceiptHandle: aws.String(fmt.Sprintf("r%d", f.receipts)),
		}},
	}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, _ *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	return &sqs.DeleteMessageOutput{}, nil
}

var _ SQSAPI = (*fakeSQS)(nil)

func sqsUnits(n int) []suite.Unit {
	units := make([]suite.Unit, n)
	for i := range units {
		units[i] = &fakeUnit{id: fmt.Sprintf("x86 module%d", i)}
	}
	return units
}

func newTestSQSPool(client SQSAPI) *SQSPool {
	cfg := types.SQSPoolConfig{QueueURL: "https://sqs.test/queue", WaitSeconds: 1}
	return NewSQSPoolFromClient(client, cfg, "invocation-1-attempt-0", nil)
}

func TestSQSPoolSeedBatchesAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	client := newFakeSQS()
	pool := newTestSQSPool(client)
	units := sqsUnits(12)

	seeded, err := pool.Seed(ctx, units)
	require.NoError(t, err)
	assert.True(t, seeded)
	assert.Equal(t, []int{10, 2}, client.batchSizes)
	assert.Len(t, client.messages, 12)

	// A racing worker seeds the same pool; every message collapses.
	seeded, err = pool.Seed(ctx, units)
	require.NoError(t, err)
	assert.True(t, seeded)
	assert.Len(t, client.messages, 12)
}

func TestSQSPoolPollClaimsAndResolves(t *testing.T) {
	ctx := context.Background()
	client := newFakeSQS()
	pool := newTestSQSPool(client)
	units := sqsUnits(2)

	_, err := pool.Seed(ctx, units)
	require.NoError(t, err)

	u, ok, err := pool.Poll(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x86 module0", u.ID())

	u, ok, err = pool.Poll(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x86 module1", u.ID())

	_, ok, err = pool.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQSPoolReturnSurvivesDeduplication(t *testing.T) {
	ctx := context.Background()
	client := newFakeSQS()
	pool := newTestSQSPool(client)
	units := sqsUnits(1)

	_, err := pool.Seed(ctx, units)
	require.NoError(t, err)

	u, ok, err := pool.Poll(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// The seed's deduplication id must not swallow the returned unit.
	require.NoError(t, pool.Return(ctx, u))
	u, ok, err = pool.Poll(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x86 module0", u.ID())
}

func TestSQSPoolRejectsUnknownUnits(t *testing.T) {
	ctx := context.Background()
	client := newFakeSQS()
	client.enqueue("never seeded", "d1")
	pool := newTestSQSPool(client)

	_, _, err := pool.Poll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown unit")
}
