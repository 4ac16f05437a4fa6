package sqsbackend

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"

	"github.com/skroutz/aggrconf/aggregation"
)

// Backend publishes records by sending them to an SQS queue.
type Backend struct {
	svc sqsiface.SQSAPI
}

// ID returns "sqs".
func (b *Backend) ID() string {
	return "sqs"
}

// Start starts the backend by creating an SQS client,
// given a set of options provided by the configuration.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	region, ok := cfg["region"].(string)
	if !ok || region == "" {
		return errors.New("region must be a string")
	}

	// Create a session that gets credential values from ~/.aws/credentials
	// and the default region from ~/.aws/config
	sqsSession, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return err
	}

	b.svc = sqs.New(sqsSession)

	return nil
}

// Notify sends rec to the queue at url.
func (b *Backend) Notify(url string, rec aggregation.Record) error {
	payload, err := rec.Bytes()
	if err != nil {
		return err
	}

	_, err = b.svc.SendMessage(&sqs.SendMessageInput{
		MessageBody: aws.String(string(payload)),
		QueueUrl:    aws.String(url),
	})
	if err != nil {
		return fmt.Errorf("Got an error sending the message: %s", err.Error())
	}
	return nil
}

// Stop shuts down the backend
func (b *Backend) Stop() error {
	return nil
}
