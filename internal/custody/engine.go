// Package custody implements threshold key custody: a key is split 2-of-3,
// one share goes back to the caller and the other two to independent hot and
// cold stores. Signing and recovery rebuild the key in memory only for the
// duration of the call.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/better-wallet/share-custody/internal/crypto"
	"github.com/better-wallet/share-custody/internal/logger"
	"github.com/better-wallet/share-custody/internal/sharestore"
	apperrors "github.com/better-wallet/share-custody/pkg/errors"
	"github.com/better-wallet/share-custody/pkg/types"
)

// Signer is the signing provider
type Signer interface {
	GenerateIdentity() (*crypto.Secret, string, error)
	DeriveIdentity(secret *crypto.Secret) (string, error)
	Sign(secret *crypto.Secret, message []byte) (string, error)
}

// Cipher is the password envelope cipher
type Cipher interface {
	Encrypt(plaintext []byte, password string) (string, error)
	Decrypt(envelope string, password string) ([]byte, error)
}

// Stores gives access to the hot and cold share stores
type Stores interface {
	Hot() sharestore.Backend
	Cold() sharestore.Backend
}

// Options configures an Engine
type Options struct {
	Cipher  Cipher
	Stores  Stores
	Signer  Signer
	Policy  types.EncryptionPolicy
	Metrics *Metrics
	// Now is the clock used for record timestamps, time.Now by default
	Now func() time.Time
}

// Engine runs create, sign and recover. It keeps no per-user state besides
// the in-process user locks.
type Engine struct {
	cipher  Cipher
	stores  Stores
	signer  Signer
	policy  types.EncryptionPolicy
	metrics *Metrics
	now     func() time.Time
	locks   *userLocker
}

// CreateResult is returned by CreateShares
type CreateResult struct {
	// ClientShare is the caller's share, an envelope when the policy encrypts client shares
	ClientShare string
	// Identity is the address of the generated key
	Identity string
}

// NewEngine creates an Engine
func NewEngine(opts Options) (*Engine, error) {
	if opts.Cipher == nil || opts.Stores == nil || opts.Signer == nil {
		return nil, fmt.Errorf("custody engine requires a cipher, stores and a signer")
	}
	if opts.Policy == "" {
		opts.Policy = types.PolicyEncryptAll
	}
	if !opts.Policy.Valid() {
		return nil, fmt.Errorf("unsupported encryption policy: %s", opts.Policy)
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		cipher:  opts.Cipher,
		stores:  opts.Stores,
		signer:  opts.Signer,
		policy:  opts.Policy,
		metrics: opts.Metrics,
		now:     opts.Now,
		locks:   newUserLocker(),
	}, nil
}

// Policy returns the encryption policy new shares are written with
func (e *Engine) Policy() types.EncryptionPolicy {
	return e.policy
}

// CreateShares generates a key for userID, places the hot and cold shares and
// returns the client share. Either both stores are written or neither is.
func (e *Engine) CreateShares(ctx context.Context, userID, password string) (res *CreateResult, err error) {
	start := time.Now()
	defer func() { e.observe(OpCreate, start, err) }()

	if err := requireFields(map[string]string{"userId": userID, "userPassword": password}); err != nil {
		return nil, err
	}

	unlock, err := e.locks.Lock(ctx, userID)
	if err != nil {
		return nil, lockError(err)
	}
	defer unlock()

	if err := e.ensureNoShares(ctx, userID); err != nil {
		return nil, err
	}

	secret, identity, err := e.signer.GenerateIdentity()
	if err != nil {
		return nil, apperrors.Internal("failed to generate key", err)
	}
	defer secret.Destroy()

	set, err := crypto.SplitShares(secret.Bytes())
	if err != nil {
		return nil, apperrors.Split("failed to split key", err)
	}
	defer set.Wipe()

	var (
		clientShare         string
		hotShare, coldShare storedShare
		enc                 errgroup.Group
	)
	enc.Go(func() (err error) {
		clientShare, err = e.sealClient(set.Client, password)
		return err
	})
	enc.Go(func() (err error) {
		hotShare, err = e.seal(set.Generation, set.Hot, e.policy.EncryptsHot(), password)
		return err
	})
	enc.Go(func() (err error) {
		coldShare, err = e.seal(set.Generation, set.Cold, true, password)
		return err
	})
	if err := enc.Wait(); err != nil {
		return nil, apperrors.Internal("failed to encrypt shares", err)
	}

	now := e.now()
	hotValue, err := encodeRecord(&shareRecord{storedShare: hotShare, Identity: identity, UpdatedAt: now})
	if err != nil {
		return nil, apperrors.Internal("failed to encode hot share", err)
	}
	coldValue, err := encodeRecord(&shareRecord{storedShare: coldShare, Identity: identity, UpdatedAt: now})
	if err != nil {
		return nil, apperrors.Internal("failed to encode cold share", err)
	}

	if err := e.placeNew(ctx, userID, map[types.Slot][]byte{
		types.SlotHot:  hotValue,
		types.SlotCold: coldValue,
	}); err != nil {
		return nil, err
	}

	logger.Info(ctx, "key shares created", "user_id", userID, "identity", identity, "generation", set.Generation)
	return &CreateResult{ClientShare: clientShare, Identity: identity}, nil
}

// SignMessage rebuilds the key from the client and hot shares and signs message
func (e *Engine) SignMessage(ctx context.Context, userID, clientShare, password string, message []byte) (signature string, err error) {
	start := time.Now()
	defer func() { e.observe(OpSign, start, err) }()

	if err := requireFields(map[string]string{"userId": userID, "share1": clientShare, "userPassword": password}); err != nil {
		return "", err
	}

	hot, err := e.load(ctx, types.SlotHot, userID)
	if err != nil {
		return "", err
	}

	hotRaw, err := e.open(hot.rec.storedShare, password)
	if err != nil {
		return "", err
	}
	defer crypto.Zero(hotRaw)

	clientRaw, err := e.openClient(clientShare, password, hot.rec.Generation)
	if err != nil {
		return "", err
	}
	defer crypto.Zero(clientRaw)

	secret, err := e.reconstruct(hot.rec.Identity, clientRaw, hotRaw)
	if err != nil {
		return "", err
	}
	defer secret.Destroy()

	signature, err = e.signer.Sign(secret, message)
	if err != nil {
		return "", apperrors.Internal("failed to sign message", err)
	}

	return signature, nil
}

// RecoverShare rebuilds the key from the hot and cold shares, re-splits it and
// returns a new client share. Shares issued before the call stop working.
//
// The new shares are written in three steps: the next cold share is staged as
// pending on the cold record, the hot record is switched to the new split (the
// commit point), then the cold record is finalised. A failed finalise is left
// for the next recovery to roll forward.
func (e *Engine) RecoverShare(ctx context.Context, userID, password string) (clientShare string, err error) {
	start := time.Now()
	defer func() { e.observe(OpRecover, start, err) }()

	if err := requireFields(map[string]string{"userId": userID, "userPassword": password}); err != nil {
		return "", err
	}

	unlock, err := e.locks.Lock(ctx, userID)
	if err != nil {
		return "", lockError(err)
	}
	defer unlock()

	hot, cold, err := e.loadPair(ctx, userID)
	if err != nil {
		return "", err
	}

	base, rolled, err := reconcile(hot.rec, cold.rec, e.now())
	if err != nil {
		return "", err
	}
	if rolled {
		e.metrics.rolledForward.Inc()
		logger.Info(ctx, "promoting pending cold share", "user_id", userID, "generation", base.Generation)
	}

	var (
		hotRaw, coldRaw []byte
		dec             errgroup.Group
	)
	dec.Go(func() (err error) {
		hotRaw, err = e.open(hot.rec.storedShare, password)
		return err
	})
	dec.Go(func() (err error) {
		coldRaw, err = e.open(base.storedShare, password)
		return err
	})
	err = dec.Wait()
	defer crypto.Zero(hotRaw)
	defer crypto.Zero(coldRaw)
	if err != nil {
		return "", err
	}

	secret, err := e.reconstruct(hot.rec.Identity, hotRaw, coldRaw)
	if err != nil {
		return "", err
	}
	defer secret.Destroy()

	set, err := crypto.SplitShares(secret.Bytes())
	if err != nil {
		return "", apperrors.Split("failed to re-split key", err)
	}
	defer set.Wipe()

	var (
		newHot, newCold storedShare
		enc             errgroup.Group
	)
	enc.Go(func() (err error) {
		clientShare, err = e.sealClient(set.Client, password)
		return err
	})
	enc.Go(func() (err error) {
		newHot, err = e.seal(set.Generation, set.Hot, e.policy.EncryptsHot(), password)
		return err
	})
	enc.Go(func() (err error) {
		newCold, err = e.seal(set.Generation, set.Cold, true, password)
		return err
	})
	if err := enc.Wait(); err != nil {
		return "", apperrors.Internal("failed to encrypt shares", err)
	}

	if err := e.rotate(ctx, userID, hot, cold, base, newHot, newCold); err != nil {
		return "", err
	}

	logger.Info(ctx, "key shares rotated", "user_id", userID, "generation", set.Generation)
	return clientShare, nil
}

type loaded struct {
	rec     *shareRecord
	version int64
}

func (e *Engine) store(slot types.Slot) sharestore.Backend {
	if slot == types.SlotCold {
		return e.stores.Cold()
	}
	return e.stores.Hot()
}

func (e *Engine) load(ctx context.Context, slot types.Slot, userID string) (*loaded, error) {
	r, err := e.store(slot).Get(ctx, userID)
	if err != nil {
		return nil, storeError(slot, "read", err)
	}

	rec, err := decodeRecord(r.Value)
	if err != nil {
		return nil, apperrors.Storage(fmt.Sprintf("%s share record is unreadable", slot), err)
	}
	return &loaded{rec: rec, version: r.Version}, nil
}

// loadPair reads both stores concurrently. Either failure fails the pair.
func (e *Engine) loadPair(ctx context.Context, userID string) (hot, cold *loaded, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		hot, err = e.load(gctx, types.SlotHot, userID)
		return err
	})
	g.Go(func() (err error) {
		cold, err = e.load(gctx, types.SlotCold, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return hot, cold, nil
}

func (e *Engine) ensureNoShares(ctx context.Context, userID string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, slot := range types.StoredSlots {
		g.Go(func() error {
			_, err := e.store(slot).Get(gctx, userID)
			switch {
			case err == nil:
				return apperrors.Conflict("shares already exist for this user", nil)
			case errors.Is(err, sharestore.ErrNotFound):
				return nil
			default:
				return storeError(slot, "read", err)
			}
		})
	}
	return g.Wait()
}

// placeNew saves every value concurrently. If any save fails, every slot is
// deleted again so no caller ever holds a client share without both
// counterparts.
func (e *Engine) placeNew(ctx context.Context, userID string, values map[types.Slot][]byte) error {
	slots := types.StoredSlots
	results := make([]error, len(slots))

	var g errgroup.Group
	for i, slot := range slots {
		g.Go(func() error {
			_, results[i] = e.store(slot).Save(ctx, userID, values[slot])
			return nil
		})
	}
	g.Wait()

	var failed error
	for i, slot := range slots {
		if results[i] != nil && failed == nil {
			failed = storeError(slot, "write", results[i])
		}
	}
	if failed == nil {
		return nil
	}

	// A failed save may still have landed, so every slot is cleaned up
	cleanup := context.WithoutCancel(ctx)
	for _, slot := range slots {
		if err := e.store(slot).Delete(cleanup, userID); err != nil {
			e.metrics.compensations.WithLabelValues("failed").Inc()
			logger.Error(ctx, "failed to remove share after partial create", "user_id", userID, "slot", slot, "error", err)
			continue
		}
		e.metrics.compensations.WithLabelValues("ok").Inc()
	}

	return failed
}

func (e *Engine) rotate(ctx context.Context, userID string, hot, cold *loaded, base *shareRecord, newHot, newCold storedShare) error {
	now := e.now()

	prepared, err := encodeRecord(base.withPending(newCold, now))
	if err != nil {
		return apperrors.Internal("failed to encode cold share", err)
	}
	coldVersion, err := e.stores.Cold().Update(ctx, userID, prepared, cold.version)
	if err != nil {
		return storeError(types.SlotCold, "prepare", err)
	}

	committed, err := encodeRecord(&shareRecord{storedShare: newHot, Identity: hot.rec.Identity, UpdatedAt: now})
	if err != nil {
		return apperrors.Internal("failed to encode hot share", err)
	}
	if _, err := e.stores.Hot().Update(ctx, userID, committed, hot.version); err != nil {
		// The write may have landed even though it reported failure
		if !e.hotAt(context.WithoutCancel(ctx), userID, newHot.Generation) {
			return storeError(types.SlotHot, "commit", err)
		}
		logger.Warn(ctx, "hot share commit reported failure but landed", "user_id", userID, "error", err)
	}

	finalized, err := encodeRecord(&shareRecord{storedShare: newCold, Identity: base.Identity, UpdatedAt: now})
	if err == nil {
		_, err = e.stores.Cold().Update(context.WithoutCancel(ctx), userID, finalized, coldVersion)
	}
	if err != nil {
		e.metrics.deferredFinalize.Inc()
		logger.Warn(ctx, "cold share finalize deferred to next recovery", "user_id", userID, "generation", newCold.Generation, "error", err)
	}

	return nil
}

// hotAt reports whether the hot record is known to be at generation. A failed
// read is tried once more before giving up.
func (e *Engine) hotAt(ctx context.Context, userID string, generation uuid.UUID) bool {
	for attempt := 0; attempt < 2; attempt++ {
		current, err := e.load(ctx, types.SlotHot, userID)
		if err == nil {
			return current.rec.Generation == generation
		}
		logger.Warn(ctx, "failed to re-read hot share after commit error", "user_id", userID, "attempt", attempt+1, "error", err)
	}
	return false
}

// reconcile returns the cold record matching the hot generation, promoting a
// pending cold share left by an unfinished rotation
func reconcile(hot, cold *shareRecord, now time.Time) (*shareRecord, bool, error) {
	if !strings.EqualFold(hot.Identity, cold.Identity) {
		return nil, false, apperrors.Combine("hot and cold shares belong to different keys", nil)
	}
	if cold.Generation == hot.Generation {
		return cold, false, nil
	}
	if cold.Pending != nil && cold.Pending.Generation == hot.Generation {
		return cold.rolledForward(now), true, nil
	}
	return nil, false, apperrors.Combine("hot and cold shares belong to different splits", nil)
}

func (e *Engine) seal(generation uuid.UUID, share []byte, encrypt bool, password string) (storedShare, error) {
	s := storedShare{Generation: generation, Encrypted: encrypt}
	if !encrypt {
		s.Share = crypto.EncodeShare(share)
		return s, nil
	}

	env, err := e.cipher.Encrypt(share, password)
	if err != nil {
		return storedShare{}, err
	}
	s.Share = env
	return s, nil
}

func (e *Engine) sealClient(share []byte, password string) (string, error) {
	if !e.policy.EncryptsClient() {
		return crypto.EncodeShare(share), nil
	}
	return e.cipher.Encrypt(share, password)
}

func (e *Engine) open(s storedShare, password string) ([]byte, error) {
	if !s.Encrypted {
		raw, err := crypto.DecodeShare(s.Share)
		if err != nil {
			return nil, apperrors.Storage("stored share is malformed", err)
		}
		return raw, nil
	}

	raw, err := e.cipher.Decrypt(s.Share, password)
	if err != nil {
		return nil, apperrors.Decryption(err)
	}
	return raw, nil
}

// openClient accepts both client share forms whatever the current policy:
// a plain framed share or an envelope. A plain share of the current split is
// used as is, anything else is decrypted, and a plain share of an older split
// is passed through so combining reports the mismatch.
func (e *Engine) openClient(encoded, password string, generation uuid.UUID) ([]byte, error) {
	plain, err := crypto.DecodeShare(encoded)
	if err != nil || crypto.ValidateShare(plain) != nil {
		plain = nil
	}
	if plain != nil {
		if gen, err := crypto.ShareGeneration(plain); err == nil && gen == generation {
			return plain, nil
		}
	}

	opened, err := e.cipher.Decrypt(encoded, password)
	if err == nil {
		return opened, nil
	}
	if plain != nil {
		return plain, nil
	}
	return nil, apperrors.Decryption(err)
}

// reconstruct combines shares and checks the result against the recorded identity
func (e *Engine) reconstruct(identity string, shares ...[]byte) (*crypto.Secret, error) {
	raw, err := crypto.Combine(shares)
	if err != nil {
		return nil, apperrors.Combine("shares do not combine", err)
	}

	secret := crypto.NewSecret(raw)
	derived, err := e.signer.DeriveIdentity(secret)
	if err != nil || !strings.EqualFold(derived, identity) {
		secret.Destroy()
		return nil, apperrors.Combine("shares do not reconstruct the recorded key", err)
	}
	return secret, nil
}

func (e *Engine) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = apperrors.KindOf(err)
	}
	e.metrics.operations.WithLabelValues(op, outcome).Inc()
	e.metrics.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func requireFields(fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return apperrors.Validation(fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")))
}

func storeError(slot types.Slot, op string, err error) error {
	switch {
	case errors.Is(err, sharestore.ErrNotFound):
		return apperrors.NotFound(fmt.Sprintf("no %s share for this user", slot), err)
	case errors.Is(err, sharestore.ErrVersionConflict):
		return apperrors.Conflict(fmt.Sprintf("%s share was modified by a concurrent operation", slot), err)
	case errors.Is(err, sharestore.ErrConfiguration):
		return apperrors.Configuration(fmt.Sprintf("%s store is not available", slot), err)
	default:
		return apperrors.Storage(fmt.Sprintf("%s store %s failed", slot, op), err)
	}
}

func lockError(err error) error {
	return apperrors.Conflict("gave up waiting for another operation on this user", err)
}
