package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/gantry-systems/gantry/internal/suite"
	"github.com/gantry-systems/gantry/pkg/types"
)

// SQSAPI is the slice of the SQS client the pool uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, input *sqs.SendMessageBatchInput, opts ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, input *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, input *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

const sqsBatchLimit = 10

// SQSPool shares one invocation's unit queue between workers through an
// SQS FIFO queue with content deduplication, so racing seeds collapse
// server side. Like RedisPool, only unit identifiers travel over the
// wire.
type SQSPool struct {
	client SQSAPI
	queue  string
	poolID string
	wait   int32
	log    *slog.Logger

	mu      sync.Mutex
	units   map[string]suite.Unit
	returns int
}

// NewSQSPool creates an SQSPool for poolID against cfg.QueueURL.
func NewSQSPool(ctx context.Context, cfg types.SQSPoolConfig, poolID string, log *slog.Logger) (*SQSPool, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewSQSPoolFromClient(sqs.NewFromConfig(awsCfg), cfg, poolID, log), nil
}

// NewSQSPoolFromClient creates an SQSPool over an existing client,
// useful for testing.
func NewSQSPoolFromClient(client SQSAPI, cfg types.SQSPoolConfig, poolID string, log *slog.Logger) *SQSPool {
	if log == nil {
		log = slog.Default()
	}
	wait := int32(cfg.WaitSeconds)
	if wait <= 0 {
		wait = 10
	}
	return &SQSPool{
		client: client,
		queue:  cfg.QueueURL,
		poolID: poolID,
		wait:   wait,
		log:    log,
		units:  make(map[string]suite.Unit),
	}
}

// Seed implements Pool. SQS cannot tell which worker seeded first, so
// every worker sends the full batch and reports true; the queue's
// deduplication drops the copies.
func (p *SQSPool) Seed(ctx context.Context, units []suite.Unit) (bool, error) {
	p.register(units)
	for start := 0; start < len(units); start += sqsBatchLimit {
		end := start + sqsBatchLimit
		if end > len(units) {
			end = len(units)
		}
		entries := make([]sqstypes.SendMessageBatchRequestEntry, 0, end-start)
		for i, u := range units[start:end] {
			entries = append(entries, sqstypes.SendMessageBatchRequestEntry{
				Id:                     aws.String(fmt.Sprintf("u%d", i)),
				MessageBody:            aws.String(u.ID()),
				MessageGroupId:         aws.String(p.poolID),
				MessageDeduplicationId: aws.String(p.dedupID(u.ID(), 0)),
			})
		}
		out, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.queue),
			Entries:  entries,
		})
		if err != nil {
			return false, fmt.Errorf("seeding pool %s: %w", p.poolID, err)
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return false, fmt.Errorf("seeding pool %s: %d entries rejected, first: %s", p.poolID, len(out.Failed), aws.ToString(f.Message))
		}
	}
	return true, nil
}

// Poll implements Pool. A claim is one receive followed by an immediate
// delete; Return is the only way a unit re-enters the queue.
func (p *SQSPool) Poll(ctx context.Context) (suite.Unit, bool, error) {
	out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.queue),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     p.wait,
	})
	if err != nil {
		return nil, false, fmt.Errorf("claiming from pool %s: %w", p.poolID, err)
	}
	if len(out.Messages) == 0 {
		return nil, false, nil
	}
	msg := out.Messages[0]
	if _, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(p.queue),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		return nil, false, fmt.Errorf("acknowledging claim from pool %s: %w", p.poolID, err)
	}
	id := aws.ToString(msg.Body)
	unit, ok := p.lookup(id)
	if !ok {
		return nil, false, fmt.Errorf("pool %s holds unknown unit %q", p.poolID, id)
	}
	return unit, true, nil
}

// Return implements Pool.
func (p *SQSPool) Return(ctx context.Context, unit suite.Unit) error {
	p.register([]suite.Unit{unit})
	p.mu.Lock()
	p.returns++
	generation := p.returns
	p.mu.Unlock()
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(p.queue),
		MessageBody:            aws.String(unit.ID()),
		MessageGroupId:         aws.String(p.poolID),
		MessageDeduplicationId: aws.String(p.dedupID(unit.ID(), generation)),
	})
	if err != nil {
		return fmt.Errorf("returning %s to pool %s: %w", unit.ID(), p.poolID, err)
	}
	return nil
}

// dedupID derives a deduplication token from the pool, the unit and a
// return generation. Unit identifiers may hold characters SQS rejects,
// so the token is a digest rather than the identifier itself.
func (p *SQSPool) dedupID(unitID string, generation int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", p.poolID, unitID, generation)))
	return hex.EncodeToString(sum[:])
}

func (p *SQSPool) register(units []suite.Unit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range units {
		p.units[u.ID()] = u
	}
}

func (p *SQSPool) lookup(id string) (suite.Unit, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.units[id]
	return u, ok
}

var _ Pool = (*SQSPool)(nil)
