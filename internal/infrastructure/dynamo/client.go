package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/go-social-nosql/internal/config"
)

// Clients are the table and stream clients built from one SDK config.
type Clients struct {
	DB      *dynamodb.Client
	Streams *dynamodbstreams.Client
}

// NewClients loads the SDK config once. Static credentials are used when
// configured, otherwise the default provider chain. When cfg.AWSEndpointURL
// is set (LocalStack) both clients are pointed at it.
func NewClients(ctx context.Context, cfg *config.Config) (*Clients, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	var endpoint *string
	if cfg.AWSEndpointURL != "" {
		endpoint = aws.String(cfg.AWSEndpointURL)
	}
	return &Clients{
		DB: dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if endpoint != nil {
				o.BaseEndpoint = endpoint
			}
		}),
		Streams: dynamodbstreams.NewFromConfig(awsCfg, func(o *dynamodbstreams.Options) {
			if endpoint != nil {
				o.BaseEndpoint = endpoint
			}
		}),
	}, nil
}

func loadOptions(cfg *config.Config) []func(*awsconfig.LoadOptions) error {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}
	// Throttled and transiently failed calls are retried by the SDK.
	if cfg.AWSMaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.AWSMaxAttempts))
	}
	if cfg.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretKey, ""),
		))
	}
	return opts
}
