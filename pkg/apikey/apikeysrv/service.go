package apikeysrv

import (
	"context"
	"strconv"
	"time"

	"github.com/linkshitup/link-broker/pkg/apikey"
	"github.com/linkshitup/link-broker/pkg/asyncx"
	"github.com/linkshitup/link-broker/pkg/cryptox"
	"github.com/linkshitup/link-broker/pkg/kernel"
	"github.com/linkshitup/link-broker/pkg/logx"
)

// TimestampWindow is how far a signed request's timestamp may drift from the
// verifier's wall clock in either direction.
const TimestampWindow = 300 * time.Second

// SecretCacheTTL bounds how long a decrypted secret may be reused.
const SecretCacheTTL = 5 * time.Minute

// VerifierService checks signed requests. It is safe for concurrent use.
type VerifierService struct {
	repo   apikey.APIKeyRepository
	cipher *cryptox.Cipher
	cache  *apikey.SecretCache
	now    func() time.Time
}

func NewVerifierService(repo apikey.APIKeyRepository, cipher *cryptox.Cipher) *VerifierService {
	return &VerifierService{
		repo:   repo,
		cipher: cipher,
		cache:  apikey.NewSecretCache(SecretCacheTTL),
		now:    time.Now,
	}
}

// Verify authenticates one request. Checks run in a fixed order: timestamp
// window, key resolution, signature. Any failure rejects with a 401 code
// from the apikey registry. On success last_used_at is bumped off the
// request path.
func (s *VerifierService) Verify(ctx context.Context, publicKey, timestampRaw, signature string, body []byte) (*kernel.ProjectContext, error) {
	ts, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return nil, apikey.ErrTimestampExpired().WithDetail("reason", "timestamp is not unix seconds")
	}
	drift := s.now().UTC().Sub(time.Unix(ts, 0))
	if drift > TimestampWindow || drift < -TimestampWindow {
		return nil, apikey.ErrTimestampExpired()
	}

	if !apikey.ValidatePublicKeyFormat(publicKey) {
		return nil, apikey.ErrInvalidAPIKey()
	}
	key, err := s.repo.FindByPublicKey(ctx, publicKey)
	if err != nil {
		return nil, apikey.ErrInvalidAPIKey()
	}
	if !key.IsActive() {
		return nil, apikey.ErrInvalidAPIKey()
	}

	secret, err := s.secretFor(key)
	if err != nil {
		return nil, err
	}

	if !apikey.VerifySignature(secret, ts, body, signature) {
		return nil, apikey.ErrInvalidSignature()
	}

	asyncx.Do(func() {
		if err := s.repo.UpdateLastUsed(context.Background(), key.ID); err != nil {
			logx.WithError(err).WithField("api_key_id", key.ID).Warn("failed to bump last_used_at")
		}
	})

	return &kernel.ProjectContext{
		ProjectID:   key.ProjectID,
		APIKeyID:    key.ID,
		Environment: key.Environment,
	}, nil
}

func (s *VerifierService) secretFor(key *apikey.APIKey) (string, error) {
	if secret, ok := s.cache.Get(key.ID); ok {
		return secret, nil
	}
	secret, err := s.cipher.DecryptString(key.EncryptedSecret)
	if err != nil {
		logx.WithError(err).WithField("api_key_id", key.ID).Error("failed to decrypt API-key secret")
		return "", apikey.ErrInvalidAPIKey()
	}
	s.cache.Put(key.ID, secret)
	return secret, nil
}
