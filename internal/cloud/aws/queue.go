package aws

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/hemantobora/clusterboot/internal/document"
	"github.com/hemantobora/clusterboot/internal/executor"
)

const (
	defaultVisibilityTimeout = 300
	defaultRetentionPeriod   = 300
)

// queuePolicy lets EventBridge rules and SQS itself deliver to the queue
func queuePolicy(queueARN string) (string, error) {
	doc := map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{{
			"Sid":    "AllowEventDelivery",
			"Effect": "Allow",
			"Principal": map[string]interface{}{
				"Service": []string{"events.amazonaws.com", "sqs.amazonaws.com"},
			},
			"Action":   "sqs:SendMessage",
			"Resource": queueARN,
		}},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (p *Provider) applyQueue(ctx context.Context, cfg *document.Document) (executor.Attributes, error) {
	name, err := required(cfg, "name")
	if err != nil {
		return nil, err
	}
	policy, err := queuePolicy(p.dc.QueueARN(name))
	if err != nil {
		return nil, fail("render-queue-policy", name, err)
	}

	attributes := map[string]string{
		string(sqstypes.QueueAttributeNameVisibilityTimeout):      strconv.Itoa(intOr(cfg, "visibility_timeout", defaultVisibilityTimeout)),
		string(sqstypes.QueueAttributeNameMessageRetentionPeriod): strconv.Itoa(intOr(cfg, "retention_period", defaultRetentionPeriod)),
		string(sqstypes.QueueAttributeNameSqsManagedSseEnabled):   "true",
		string(sqstypes.QueueAttributeNamePolicy):                 policy,
	}

	var url string
	created, err := p.clients.SQS.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attributes,
		Tags:       p.tags(cfg),
	})
	switch {
	case err == nil:
		url = aws.ToString(created.QueueUrl)
	case isAlreadyExists(err):
		// attributes differ from the existing queue; converge them
		got, err := p.clients.SQS.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
		if err != nil {
			return nil, fail("get-queue-url", name, err)
		}
		url = aws.ToString(got.QueueUrl)
		if _, err := p.clients.SQS.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
			QueueUrl:   aws.String(url),
			Attributes: attributes,
		}); err != nil {
			return nil, fail("set-queue-attributes", name, err)
		}
	default:
		return nil, fail("create-queue", name, err)
	}

	attrs, err := p.clients.SQS.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return nil, fail("get-queue-attributes", name, err)
	}
	arn := attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]
	p.logger.Info("queue ready", zap.String("queue", name), zap.String("arn", arn))
	return executor.Attributes{"url": url, "arn": arn, "name": name}, nil
}

func (p *Provider) deleteQueue(ctx context.Context, cfg *document.Document) error {
	name, err := required(cfg, "name")
	if err != nil {
		return err
	}
	got, err := p.clients.SQS.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fail("get-queue-url", name, err)
	}
	if _, err := p.clients.SQS.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: got.QueueUrl}); err != nil && !isNotFound(err) {
		return fail("delete-queue", name, err)
	}
	return nil
}
