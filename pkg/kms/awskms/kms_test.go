package awskms

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awskmssvc "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lockboxhq/envelope/pkg/aead"
)

const (
	usWest2ARN = "arn:aws:kms:us-west-2:123456789:key/west"
	usEast1ARN = "arn:aws:kms:us-east-1:123456789:key/east"
)

type mockClient struct {
	mock.Mock
	region string
}

func (c *mockClient) Encrypt(ctx context.Context, params *awskmssvc.EncryptInput, optFns ...func(*awskmssvc.Options)) (*awskmssvc.EncryptOutput, error) {
	ret := c.Called(params)

	var out *awskmssvc.EncryptOutput
	if o := ret.Get(0); o != nil {
		out = o.(*awskmssvc.EncryptOutput)
	}

	return out, ret.Error(1)
}

func (c *mockClient) Decrypt(ctx context.Context, params *awskmssvc.DecryptInput, optFns ...func(*awskmssvc.Options)) (*awskmssvc.DecryptOutput, error) {
	ret := c.Called(params)

	var out *awskmssvc.DecryptOutput
	if o := ret.Get(0); o != nil {
		out = o.(*awskmssvc.DecryptOutput)
	}

	return out, ret.Error(1)
}

func (c *mockClient) GenerateDataKey(ctx context.Context, params *awskmssvc.GenerateDataKeyInput, optFns ...func(*awskmssvc.Options)) (*awskmssvc.GenerateDataKeyOutput, error) {
	ret := c.Called(params)

	var out *awskmssvc.GenerateDataKeyOutput
	if o := ret.Get(0); o != nil {
		out = o.(*awskmssvc.GenerateDataKeyOutput)
	}

	return out, ret.Error(1)
}

func newMockClient(region string) *mockClient {
	return &mockClient{region: region}
}

func plaintextDataKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func arnMap() map[string]string {
	return map[string]string{
		"us-west-2": usWest2ARN,
		"us-east-1": usEast1ARN,
	}
}

// factoryFor returns a ClientFactory that hands back a distinct mockClient
// per region, keyed by the supplied map, so each test can script per-region
// call behavior independently.
func factoryFor(clients map[string]*mockClient) ClientFactory {
	return func(cfg aws.Config, optFns ...func(*awskmssvc.Options)) Client {
		c, ok := clients[cfg.Region]
		if !ok {
			panic("no mock client configured for region: " + cfg.Region)
		}

		return c
	}
}

func TestAWSKMS_EncryptDecrypt_RoundTrip(t *testing.T) {
	west := newMockClient("us-west-2")
	east := newMockClient("us-east-1")

	west.On("GenerateDataKey", mock.Anything).Return(&awskmssvc.GenerateDataKeyOutput{
		KeyId:          aws.String(usWest2ARN),
		Plaintext:      plaintextDataKey(),
		CiphertextBlob: []byte("west-ciphertext-blob"),
	}, nil)

	east.On("Encrypt", mock.Anything).Return(&awskmssvc.EncryptOutput{
		CiphertextBlob: []byte("east-encrypted-kek"),
	}, nil)

	west.On("Decrypt", mock.Anything).Return(&awskmssvc.DecryptOutput{
		Plaintext: plaintextDataKey(),
	}, nil)

	k, err := NewBuilder(aead.NewAES256GCM(), arnMap()).
		WithPreferredRegion("us-west-2").
		WithClientFactory(factoryFor(map[string]*mockClient{"us-west-2": west, "us-east-1": east})).
		WithAWSConfig(aws.Config{}).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "us-west-2", k.PreferredRegion())

	plaintext := []byte("a data key's worth of bytes")

	encrypted, err := k.EncryptKey(context.Background(), plaintext)
	require.NoError(t, err)

	decrypted, err := k.DecryptKey(context.Background(), encrypted)
	require.NoError(t, err)

	assert.Equal(t, plaintext, decrypted)

	west.AssertExpectations(t)
	east.AssertExpectations(t)
}

func TestAWSKMS_EncryptKey_FailsWhenAllRegionsFailGenerateDataKey(t *testing.T) {
	west := newMockClient("us-west-2")
	east := newMockClient("us-east-1")

	west.On("GenerateDataKey", mock.Anything).Return(nil, errors.New("kms unavailable"))
	east.On("GenerateDataKey", mock.Anything).Return(nil, errors.New("kms unavailable"))

	k, err := NewBuilder(aead.NewAES256GCM(), arnMap()).
		WithPreferredRegion("us-west-2").
		WithClientFactory(factoryFor(map[string]*mockClient{"us-west-2": west, "us-east-1": east})).
		WithAWSConfig(aws.Config{}).
		Build()
	require.NoError(t, err)

	_, err = k.EncryptKey(context.Background(), []byte("plaintext"))
	assert.Error(t, err)
}

func TestAWSKMS_EncryptKey_GenerateDataKeyFallsBackToSecondaryRegion(t *testing.T) {
	west := newMockClient("us-west-2")
	east := newMockClient("us-east-1")

	west.On("GenerateDataKey", mock.Anything).Return(nil, errors.New("throttled"))
	east.On("GenerateDataKey", mock.Anything).Return(&awskmssvc.GenerateDataKeyOutput{
		KeyId:          aws.String(usEast1ARN),
		Plaintext:      plaintextDataKey(),
		CiphertextBlob: []byte("east-ciphertext-blob"),
	}, nil)

	// The data key came from the east region's master key, so the west
	// region is used only to wrap that same plaintext under its own key.
	west.On("Encrypt", mock.Anything).Return(&awskmssvc.EncryptOutput{
		CiphertextBlob: []byte("west-encrypted-kek"),
	}, nil)

	k, err := NewBuilder(aead.NewAES256GCM(), arnMap()).
		WithPreferredRegion("us-west-2").
		WithClientFactory(factoryFor(map[string]*mockClient{"us-west-2": west, "us-east-1": east})).
		WithAWSConfig(aws.Config{}).
		Build()
	require.NoError(t, err)

	_, err = k.EncryptKey(context.Background(), []byte("plaintext"))
	require.NoError(t, err)

	west.AssertExpectations(t)
	east.AssertExpectations(t)
}

func TestAWSKMS_EncryptKey_CryptoFailurePropagates(t *testing.T) {
	west := newMockClient("us-west-2")

	west.On("GenerateDataKey", mock.Anything).Return(&awskmssvc.GenerateDataKeyOutput{
		KeyId:          aws.String(usWest2ARN),
		Plaintext:      []byte("too-short-for-aes256"),
		CiphertextBlob: []byte("west-ciphertext-blob"),
	}, nil)

	k, err := NewBuilder(aead.NewAES256GCM(), map[string]string{"us-west-2": usWest2ARN}).
		WithClientFactory(factoryFor(map[string]*mockClient{"us-west-2": west})).
		WithAWSConfig(aws.Config{}).
		Build()
	require.NoError(t, err)

	_, err = k.EncryptKey(context.Background(), []byte("plaintext"))
	assert.Error(t, err)
}

func TestAWSKMS_DecryptKey_FallsBackWhenPreferredRegionFails(t *testing.T) {
	crypto := aead.NewAES256GCM()

	west := newMockClient("us-west-2")
	east := newMockClient("us-east-1")

	west.On("GenerateDataKey", mock.Anything).Return(&awskmssvc.GenerateDataKeyOutput{
		KeyId:          aws.String(usWest2ARN),
		Plaintext:      plaintextDataKey(),
		CiphertextBlob: []byte("west-ciphertext-blob"),
	}, nil)
	east.On("Encrypt", mock.Anything).Return(&awskmssvc.EncryptOutput{
		CiphertextBlob: []byte("east-encrypted-kek"),
	}, nil)

	k, err := NewBuilder(crypto, arnMap()).
		WithPreferredRegion("us-west-2").
		WithClientFactory(factoryFor(map[string]*mockClient{"us-west-2": west, "us-east-1": east})).
		WithAWSConfig(aws.Config{}).
		Build()
	require.NoError(t, err)

	encrypted, err := k.EncryptKey(context.Background(), []byte("plaintext"))
	require.NoError(t, err)

	west.On("Decrypt", mock.Anything).Return(nil, errors.New("west region down"))
	east.On("Decrypt", mock.Anything).Return(&awskmssvc.DecryptOutput{
		Plaintext: plaintextDataKey(),
	}, nil)

	decrypted, err := k.DecryptKey(context.Background(), encrypted)
	require.NoError(t, err)
	assert.Equal(t, []byte("plaintext"), decrypted)
}

func TestAWSKMS_DecryptKey_FailsWhenAllRegionsFail(t *testing.T) {
	west := newMockClient("us-west-2")

	k, err := NewBuilder(aead.NewAES256GCM(), map[string]string{"us-west-2": usWest2ARN}).
		WithClientFactory(factoryFor(map[string]*mockClient{"us-west-2": west})).
		WithAWSConfig(aws.Config{}).
		Build()
	require.NoError(t, err)

	west.On("Decrypt", mock.Anything).Return(nil, errors.New("unreachable"))

	_, err = k.DecryptKey(context.Background(), []byte(`{"encryptedKey":"AA==","kmsKeks":[{"region":"us-west-2","arn":"`+usWest2ARN+`","encryptedKek":"AA=="}]}`))
	assert.Error(t, err)
}

func TestAWSKMS_DecryptKey_RejectsInvalidEnvelope(t *testing.T) {
	k, err := NewBuilder(aead.NewAES256GCM(), map[string]string{"us-west-2": usWest2ARN}).
		WithClientFactory(factoryFor(map[string]*mockClient{"us-west-2": newMockClient("us-west-2")})).
		WithAWSConfig(aws.Config{}).
		Build()
	require.NoError(t, err)

	_, err = k.DecryptKey(context.Background(), []byte("not json"))
	assert.Error(t, err)
}

func TestBuilder_RequiresPreferredRegionForMultipleARNs(t *testing.T) {
	_, err := NewBuilder(aead.NewAES256GCM(), arnMap()).
		WithClientFactory(factoryFor(map[string]*mockClient{"us-west-2": newMockClient("us-west-2"), "us-east-1": newMockClient("us-east-1")})).
		WithAWSConfig(aws.Config{}).
		Build()
	assert.Error(t, err)
}

func TestBuilder_SingleRegionDoesNotRequirePreferredRegion(t *testing.T) {
	k, err := NewBuilder(aead.NewAES256GCM(), map[string]string{"us-west-2": usWest2ARN}).
		WithClientFactory(factoryFor(map[string]*mockClient{"us-west-2": newMockClient("us-west-2")})).
		WithAWSConfig(aws.Config{}).
		Build()
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", k.PreferredRegion())
}
