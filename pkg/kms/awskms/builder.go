package awskms

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/lockboxhq/envelope/envelope"
)

// ClientFactory constructs an AWS KMS client for a region-scoped config.
type ClientFactory func(cfg aws.Config, optFns ...func(*kms.Options)) Client

// DefaultClientFactory wraps kms.NewFromConfig.
func DefaultClientFactory(cfg aws.Config, optFns ...func(*kms.Options)) Client {
	return kms.NewFromConfig(cfg, optFns...)
}

// Builder configures and constructs a KMS.
type Builder struct {
	arnMap map[string]string
	crypto envelope.AEAD

	preferredRegion string
	factory         ClientFactory

	cfg            aws.Config
	usingCustomCfg bool
}

// NewBuilder returns a Builder for a KMS that encrypts under every ARN in
// arnMap (keyed by region). arnMap must have at least one entry.
func NewBuilder(crypto envelope.AEAD, arnMap map[string]string) *Builder {
	if len(arnMap) == 0 {
		panic("arnMap must contain at least one entry")
	}

	return &Builder{arnMap: arnMap, crypto: crypto}
}

// WithPreferredRegion sets the region tried first for encrypt/decrypt.
// Required when arnMap has more than one entry.
func (b *Builder) WithPreferredRegion(region string) *Builder {
	b.preferredRegion = region
	return b
}

// WithClientFactory overrides how a regional AWS KMS client is
// constructed. Default is DefaultClientFactory.
func (b *Builder) WithClientFactory(factory ClientFactory) *Builder {
	b.factory = factory
	return b
}

// WithAWSConfig supplies a preconfigured aws.Config, bypassing Build's
// default config loading.
func (b *Builder) WithAWSConfig(cfg aws.Config) *Builder {
	b.cfg = cfg
	b.usingCustomCfg = true

	return b
}

// Build constructs the KMS, loading the default AWS config unless
// WithAWSConfig was used.
func (b *Builder) Build() (*KMS, error) {
	if b.factory == nil {
		b.factory = DefaultClientFactory
	}

	if !b.usingCustomCfg {
		cfg, err := config.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("unable to load default AWS config: %w", err)
		}

		b.cfg = cfg
	}

	if b.preferredRegion == "" && len(b.arnMap) > 1 {
		return nil, errors.New("preferred region must be set when using multiple regions")
	}

	var clients []regionalClient

	for region, arn := range b.arnMap {
		cfg := b.cfg.Copy()
		cfg.Region = region

		client := regionalClient{
			Client:       b.factory(cfg),
			Region:       region,
			MasterKeyARN: arn,
		}

		if region == b.preferredRegion {
			clients = append([]regionalClient{client}, clients...)
		} else {
			clients = append(clients, client)
		}
	}

	return &KMS{clients: clients, crypto: b.crypto}, nil
}
