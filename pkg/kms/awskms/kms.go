// Package awskms provides a multi-region AWS KMS KeyManagementService: a
// system key is encrypted under a freshly generated data key, which is
// itself encrypted by the master key in every configured region, so
// decryption can succeed from any of them.
package awskms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/lockboxhq/envelope/envelope"
	"github.com/lockboxhq/envelope/pkg/log"
)

var (
	encryptKeyTimer = metrics.GetOrRegisterTimer(envelope.MetricsPrefix+".kms.aws.encryptkey", nil)
	decryptKeyTimer = metrics.GetOrRegisterTimer(envelope.MetricsPrefix+".kms.aws.decryptkey", nil)
)

// Client is the subset of the AWS KMS v2 SDK client this package needs.
type Client interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
}

var _ envelope.KeyManagementService = (*KMS)(nil)

// KMS implements envelope.KeyManagementService across one or more AWS
// regions. Construct it with NewBuilder.
type KMS struct {
	clients []regionalClient
	crypto  envelope.AEAD
}

// New is a convenience wrapper equivalent to
// NewBuilder(crypto, arnMap).WithPreferredRegion(region).Build().
func New(crypto envelope.AEAD, preferredRegion string, arnMap map[string]string) (*KMS, error) {
	return NewBuilder(crypto, arnMap).WithPreferredRegion(preferredRegion).Build()
}

// EncryptKey encrypts keyBytes with a freshly generated data key, itself
// encrypted under the master key in every configured region, and returns
// the JSON-marshaled result.
func (a *KMS) EncryptKey(ctx context.Context, keyBytes []byte) ([]byte, error) {
	dataKey, err := a.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	defer memclr(dataKey.Plaintext)

	encKeyBytes, err := a.crypto.Encrypt(keyBytes, dataKey.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("error encrypting key: %w", err)
	}

	en := kekEnvelope{
		EncryptedKey: encKeyBytes,
		KEKs:         a.encryptRegionalKEKs(ctx, dataKey),
	}

	b, err := json.Marshal(en)
	if err != nil {
		return nil, fmt.Errorf("error marshalling envelope: %w", err)
	}

	return b, nil
}

// generateDataKey tries each configured region in order, returning the
// first successful response. An error is returned only if every region
// fails.
func (a *KMS) generateDataKey(ctx context.Context) (*kms.GenerateDataKeyOutput, error) {
	for _, c := range a.clients {
		resp, err := c.GenerateDataKey(ctx)
		if err != nil {
			log.Debugf("error generating data key in region (%s), trying next region: %s", c.Region, err)
			continue
		}

		return resp, nil
	}

	return nil, errors.New("all regions returned errors")
}

// encryptRegionalKEKs encrypts dataKey's plaintext under the master key in
// every configured region concurrently.
func (a *KMS) encryptRegionalKEKs(ctx context.Context, dataKey *kms.GenerateDataKeyOutput) (out []regionalKEK) {
	ch := make(chan regionalKEK, len(a.clients))

	go a.encryptAllRegions(ctx, dataKey, ch)

	for key := range ch {
		out = append(out, key)
	}

	return out
}

func (a *KMS) encryptAllRegions(ctx context.Context, dataKey *kms.GenerateDataKeyOutput, ch chan<- regionalKEK) {
	var wg sync.WaitGroup

	for _, c := range a.clients {
		if c.MasterKeyARN == *dataKey.KeyId {
			ch <- regionalKEK{Region: c.Region, ARN: c.MasterKeyARN, EncryptedKEK: dataKey.CiphertextBlob}
			continue
		}

		wg.Add(1)

		go func(c regionalClient) {
			defer wg.Done()

			resp, err := c.EncryptKey(ctx, dataKey.Plaintext)
			if err != nil {
				log.Debugf("error encrypting data key in region (%s): %s", c.Region, err)
				return
			}

			ch <- regionalKEK{Region: c.Region, ARN: c.MasterKeyARN, EncryptedKEK: resp.CiphertextBlob}
		}(c)
	}

	wg.Wait()
	close(ch)
}

// DecryptKey reverses EncryptKey. The preferred region (the first client,
// per Builder's ordering) is tried first; remaining regions are tried in
// order if it fails.
func (a *KMS) DecryptKey(ctx context.Context, data []byte) ([]byte, error) {
	var en kekEnvelope

	if err := json.Unmarshal(data, &en); err != nil {
		return nil, fmt.Errorf("unable to unmarshal envelope: %w", err)
	}

	keks := make(map[string]regionalKEK, len(en.KEKs))
	for _, kek := range en.KEKs {
		keks[kek.Region] = kek
	}

	for _, c := range a.clients {
		kek, ok := keks[c.Region]
		if !ok {
			log.Debugf("no KEK found for region: %s", c.Region)
			continue
		}

		resp, err := c.DecryptKey(ctx, kek.EncryptedKEK)
		if err != nil {
			log.Debugf("error kms decrypt: %s", err)
			continue
		}

		keyBytes, err := a.crypto.Decrypt(en.EncryptedKey, resp.Plaintext)
		if err != nil {
			log.Debugf("error crypto decrypt: %s", err)
			continue
		}

		return keyBytes, nil
	}

	return nil, errors.New("decrypt failed in all regions")
}

// PreferredRegion returns the region tried first for both encrypt and
// decrypt.
func (a *KMS) PreferredRegion() string {
	return a.clients[0].Region
}

func memclr(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// kekEnvelope is the on-the-wire shape EncryptKey/DecryptKey exchange.
type kekEnvelope struct {
	EncryptedKey []byte        `json:"encryptedKey"`
	KEKs         []regionalKEK `json:"kmsKeks"`
}

type regionalKEK struct {
	Region       string `json:"region"`
	ARN          string `json:"arn"`
	EncryptedKEK []byte `json:"encryptedKek"`
}

// regionalClient pairs a KMS client with the region and master key ARN it
// operates against.
type regionalClient struct {
	Client       Client
	Region       string
	MasterKeyARN string
}

func (r *regionalClient) GenerateDataKey(ctx context.Context) (*kms.GenerateDataKeyOutput, error) {
	start := time.Now()

	resp, err := r.Client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   &r.MasterKeyARN,
		KeySpec: types.DataKeySpecAes256,
	})

	metrics.GetOrRegisterTimer(fmt.Sprintf("%s.kms.aws.generatedatakey.%s", envelope.MetricsPrefix, r.Region), nil).UpdateSince(start)

	return resp, err
}

func (r *regionalClient) EncryptKey(ctx context.Context, keyBytes []byte) (*kms.EncryptOutput, error) {
	defer encryptKeyTimer.UpdateSince(time.Now())

	return r.Client.Encrypt(ctx, &kms.EncryptInput{KeyId: &r.MasterKeyARN, Plaintext: keyBytes})
}

func (r *regionalClient) DecryptKey(ctx context.Context, keyBytes []byte) (*kms.DecryptOutput, error) {
	defer decryptKeyTimer.UpdateSince(time.Now())

	return r.Client.Decrypt(ctx, &kms.DecryptInput{KeyId: &r.MasterKeyARN, CiphertextBlob: keyBytes})
}
