package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hupe1980/vecdb/blobstore"
)

// Config selects a bucket and, optionally, a DynamoDB commit table.
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // custom endpoint, e.g. LocalStack
	// CommitTable enables DynamoDB commits for the catalog pointer when set.
	CommitTable string
}

// New loads the default AWS configuration (env, shared config, IMDS) and
// builds a store from cfg.
func New(ctx context.Context, cfg Config) (blobstore.BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	store := NewStore(client, cfg.Bucket, cfg.Prefix)
	if cfg.CommitTable == "" {
		return store, nil
	}

	ddb := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewDDBCommitStore(store, ddb, cfg.CommitTable, store.URI()), nil
}
