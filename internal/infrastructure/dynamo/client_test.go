package dynamo

import (
	"context"
	"testing"

	"github.com/go-social-nosql/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClients_StaticCredentialsAndEndpoint(t *testing.T) {
	cfg := &config.Config{
		AWSRegion:      "eu-west-1",
		AWSEndpointURL: "http://localhost:4566",
		AWSAccessKeyID: "test",
		AWSSecretKey:   "test",
		AWSMaxAttempts: 3,
	}
	c, err := NewClients(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, c.DB)
	require.NotNil(t, c.Streams)

	opts := c.DB.Options()
	assert.Equal(t, "eu-west-1", opts.Region)
	require.NotNil(t, opts.BaseEndpoint)
	assert.Equal(t, "http://localhost:4566", *opts.BaseEndpoint)
	assert.Equal(t, 3, opts.RetryMaxAttempts)

	creds, err := opts.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", creds.AccessKeyID)

	var _ API = c.DB
}

func TestNewClients_NoEndpointOverride(t *testing.T) {
	c, err := NewClients(context.Background(), &config.Config{AWSRegion: "us-east-1", AWSAccessKeyID: "k", AWSSecretKey: "s"})
	require.NoError(t, err)
	assert.Nil(t, c.DB.Options().BaseEndpoint)
	assert.Nil(t, c.Streams.Options().BaseEndpoint)
}
