package custody

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/share-custody/internal/crypto"
	"github.com/better-wallet/share-custody/internal/envelope"
	"github.com/better-wallet/share-custody/internal/sharestore"
	"github.com/better-wallet/share-custody/internal/signer"
	"github.com/better-wallet/share-custody/tests/mocks"
	apperrors "github.com/better-wallet/share-custody/pkg/errors"
	"github.com/better-wallet/share-custody/pkg/types"
)

const (
	testUser     = "user-1"
	testPassword = "correct horse battery"
)

var testMessage = []byte("hello custody")

type harness struct {
	engine *Engine
	hot    *mocks.FlakyBackend
	cold   *mocks.FlakyBackend
	reg    *prometheus.Registry
	signer *signer.Ethereum
}

func newHarness(t *testing.T, policy types.EncryptionPolicy) *harness {
	t.Helper()
	hot := mocks.NewFlakyBackend(sharestore.NewMemory("hot"))
	cold := mocks.NewFlakyBackend(sharestore.NewMemory("cold"))
	return newHarnessWithStores(t, policy, hot, cold)
}

func newHarnessWithStores(t *testing.T, policy types.EncryptionPolicy, hot, cold *mocks.FlakyBackend) *harness {
	t.Helper()

	c, err := envelope.New(envelope.Params{Time: 1, MemoryKiB: 64, Threads: 1, KeyLength: 16, SaltSize: 16, NonceSize: 12})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	s := signer.NewEthereum()
	e, err := NewEngine(Options{
		Cipher:  c,
		Stores:  sharestore.NewGateway(hot, cold, nil),
		Signer:  s,
		Policy:  policy,
		Metrics: NewMetrics(reg),
	})
	require.NoError(t, err)

	return &harness{engine: e, hot: hot, cold: cold, reg: reg, signer: s}
}

func (h *harness) create(t *testing.T) *CreateResult {
	t.Helper()
	res, err := h.engine.CreateShares(context.Background(), testUser, testPassword)
	require.NoError(t, err)
	return res
}

// signsAs asserts the client share signs and the signature recovers to identity
func (h *harness) signsAs(t *testing.T, clientShare, identity string) {
	t.Helper()
	sig, err := h.engine.SignMessage(context.Background(), testUser, clientShare, testPassword, testMessage)
	require.NoError(t, err)

	recovered, err := h.signer.RecoverIdentity(testMessage, sig)
	require.NoError(t, err)
	assert.Equal(t, identity, recovered)
}

func (h *harness) record(t *testing.T, store *mocks.FlakyBackend) (*shareRecord, int64) {
	t.Helper()
	r, err := store.Inner().Get(context.Background(), testUser)
	require.NoError(t, err)
	rec, err := decodeRecord(r.Value)
	require.NoError(t, err)
	return rec, r.Version
}

func (h *harness) metric(name string, labels map[string]string) float64 {
	return mocks.MetricValue(h.reg, name, labels)
}

func requireKind(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, apperrors.KindOf(err), "error: %v", err)
}

func TestNewEngine(t *testing.T) {
	c := envelope.NewDefault()
	stores := sharestore.NewGateway(sharestore.NewMemory("hot"), sharestore.NewMemory("cold"), nil)

	t.Run("defaults to encrypt-all", func(t *testing.T) {
		e, err := NewEngine(Options{Cipher: c, Stores: stores, Signer: signer.NewEthereum()})
		require.NoError(t, err)
		assert.Equal(t, types.PolicyEncryptAll, e.Policy())
	})

	t.Run("rejects unknown policy", func(t *testing.T) {
		_, err := NewEngine(Options{Cipher: c, Stores: stores, Signer: signer.NewEthereum(), Policy: "encrypt-none"})
		assert.Error(t, err)
	})

	t.Run("requires collaborators", func(t *testing.T) {
		_, err := NewEngine(Options{Cipher: c, Stores: stores})
		assert.Error(t, err)
	})
}

func TestCreateSignRecover(t *testing.T) {
	for _, policy := range []types.EncryptionPolicy{types.PolicyEncryptAll, types.PolicyEncryptColdOnly} {
		t.Run(string(policy), func(t *testing.T) {
			h := newHarness(t, policy)

			res := h.create(t)
			assert.True(t, signer.IsAddress(res.Identity))
			h.signsAs(t, res.ClientShare, res.Identity)

			next, err := h.engine.RecoverShare(context.Background(), testUser, testPassword)
			require.NoError(t, err)
			assert.NotEqual(t, res.ClientShare, next)
			h.signsAs(t, next, res.Identity)

			// the share issued before recovery no longer combines
			_, err = h.engine.SignMessage(context.Background(), testUser, res.ClientShare, testPassword, testMessage)
			requireKind(t, err, apperrors.ErrCodeCombine)

			assert.Equal(t, 1.0, h.metric("custody_operations_total", map[string]string{"operation": OpCreate, "outcome": "ok"}))
			assert.Equal(t, 1.0, h.metric("custody_operations_total", map[string]string{"operation": OpRecover, "outcome": "ok"}))
			assert.Equal(t, 1.0, h.metric("custody_operations_total", map[string]string{"operation": OpSign, "outcome": apperrors.ErrCodeCombine}))
			assert.Equal(t, 3.0, h.metric("custody_operation_duration_seconds", map[string]string{"operation": OpSign}))
		})
	}
}

func TestCreateShares_RecordLayout(t *testing.T) {
	t.Run("encrypt-all", func(t *testing.T) {
		h := newHarness(t, types.PolicyEncryptAll)
		res := h.create(t)

		hot, _ := h.record(t, h.hot)
		cold, _ := h.record(t, h.cold)
		assert.True(t, hot.Encrypted)
		assert.True(t, cold.Encrypted)
		assert.Equal(t, hot.Generation, cold.Generation)
		assert.Equal(t, res.Identity, hot.Identity)
		assert.Nil(t, cold.Pending)

		// the client share is an envelope, not a bare share
		raw, err := crypto.DecodeShare(res.ClientShare)
		if err == nil {
			assert.Error(t, crypto.ValidateShare(raw))
		}
	})

	t.Run("encrypt-cold-only", func(t *testing.T) {
		h := newHarness(t, types.PolicyEncryptColdOnly)
		res := h.create(t)

		hot, _ := h.record(t, h.hot)
		cold, _ := h.record(t, h.cold)
		assert.False(t, hot.Encrypted)
		assert.True(t, cold.Encrypted)

		raw, err := crypto.DecodeShare(res.ClientShare)
		require.NoError(t, err)
		require.NoError(t, crypto.ValidateShare(raw))
		gen, err := crypto.ShareGeneration(raw)
		require.NoError(t, err)
		assert.Equal(t, hot.Generation, gen)
	})
}

func TestCreateShares_AlreadyExists(t *testing.T) {
	h := newHarness(t, types.PolicyEncryptAll)
	res := h.create(t)

	_, err := h.engine.CreateShares(context.Background(), testUser, testPassword)
	requireKind(t, err, apperrors.ErrCodeConflict)

	// the original shares are untouched
	h.signsAs(t, res.ClientShare, res.Identity)
}

func TestCreateShares_CompensatesPartialWrite(t *testing.T) {
	tests := []struct {
		name   string
		failOn func(h *harness) *mocks.FlakyBackend
	}{
		{name: "cold save fails", failOn: func(h *harness) *mocks.FlakyBackend { return h.cold }},
		{name: "hot save fails", failOn: func(h *harness) *mocks.FlakyBackend { return h.hot }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, types.PolicyEncryptAll)
			tt.failOn(h).FailOnCall(mocks.OpSave, 1)

			_, err := h.engine.CreateShares(context.Background(), testUser, testPassword)
			requireKind(t, err, apperrors.ErrCodeStorage)
			assert.True(t, errors.Is(err, mocks.ErrInjected))

			for _, store := range []*mocks.FlakyBackend{h.hot, h.cold} {
				_, err := store.Inner().Get(context.Background(), testUser)
				assert.True(t, errors.Is(err, sharestore.ErrNotFound))
			}
			assert.Equal(t, 2.0, h.metric("custody_create_compensations_total", map[string]string{"outcome": "ok"}))

			// nothing blocks a retry
			res := h.create(t)
			h.signsAs(t, res.ClientShare, res.Identity)
		})
	}
}

func TestCreateShares_FailedCompensationIsCounted(t *testing.T) {
	h := newHarness(t, types.PolicyEncryptAll)
	h.cold.FailAlways(mocks.OpSave)
	h.hot.FailAlways(mocks.OpDelete)

	_, err := h.engine.CreateShares(context.Background(), testUser, testPassword)
	requireKind(t, err, apperrors.ErrCodeStorage)
	assert.Equal(t, 1.0, h.metric("custody_create_compensations_total", map[string]string{"outcome": "failed"}))
	assert.Equal(t, 1.0, h.metric("custody_create_compensations_total", map[string]string{"outcome": "ok"}))
}

func TestCreateShares_StoreUnavailable(t *testing.T) {
	h := newHarness(t, types.PolicyEncryptAll)
	h.cold.FailAlways(mocks.OpGet)

	_, err := h.engine.CreateShares(context.Background(), testUser, testPassword)
	requireKind(t, err, apperrors.ErrCodeStorage)
	assert.Equal(t, 0, h.hot.Calls(mocks.OpSave))
}

func TestValidation(t *testing.T) {
	h := newHarness(t, types.PolicyEncryptAll)
	ctx := context.Background()

	_, err := h.engine.CreateShares(ctx, "", testPassword)
	requireKind(t, err, apperrors.ErrCodeValidation)
	assert.Contains(t, err.Error(), "userId")

	_, err = h.engine.CreateShares(ctx, testUser, "")
	requireKind(t, err, apperrors.ErrCodeValidation)

	_, err = h.engine.SignMessage(ctx, testUser, "", testPassword, testMessage)
	requireKind(t, err, apperrors.ErrCodeValidation)
	assert.Contains(t, err.Error(), "share1")

	_, err = h.engine.RecoverShare(ctx, "", "")
	requireKind(t, err, apperrors.ErrCodeValidation)
	assert.Contains(t, err.Error(), "userId, userPassword")

	assert.Equal(t, 0, h.hot.Calls(mocks.OpGet))
}

func TestUnknownUser(t *testing.T) {
	h := newHarness(t, types.PolicyEncryptAll)
	ctx := context.Background()

	_, err := h.engine.SignMessage(ctx, "nobody", "c2hhcmU=", testPassword, testMessage)
	requireKind(t, err, apperrors.ErrCodeNotFound)

	_, err = h.engine.RecoverShare(ctx, "nobody", testPassword)
	requireKind(t, err, apperrors.ErrCodeNotFound)
}

func TestSignMessage_WrongPassword(t *testing.T) {
	h := newHarness(t, types.PolicyEncryptAll)
	res := h.create(t)

	_, err := h.engine.SignMessage(context.Background(), testUser, res.ClientShare, "wrong password", testMessage)
	requireKind(t, err, apperrors.ErrCodeDecryption)
	assert.Equal(t, apperrors.DecryptionMessage, err.(*apperrors.AppError).Message)
}

func TestSignMessage_GarbageClientShare(t *testing.T) {
	h := newHarness(t, types.PolicyEncryptAll)
	h.create(t)

	_, err := h.engine.SignMessage(context.Background(), testUser, "bm90IGEgc2hhcmU=", testPassword, testMessage)
	requireKind(t, err, apperrors.ErrCodeDecryption)
}

func TestSignMessage_ColdOnlyDoesNotCheckPassword(t *testing.T) {
	h := newHarness(t, types.PolicyEncryptColdOnly)
	res := h.create(t)

	_, err := h.engine.SignMessage(context.Background(), testUser, res.ClientShare, "any password", testMessage)
	assert.NoError(t, err)
}

func TestSignMessage_ShareOfAnotherUser(t *testing.T) {
	h := newHarness(t, types.PolicyEncryptColdOnly)
	res := h.create(t)

	_, err := h.engine.CreateShares(context.Background(), "user-2", testPassword)
	require.NoError(t, err)

	_, err = h.engine.SignMessage(context.Background(), "user-2", res.ClientShare, testPassword, testMessage)
	requireKind(t, err, apperrors.ErrCodeCombine)
}

func TestRecoverShare_WrongPasswordChangesNothing(t *testing.T) {
	h := newHarness(t, types.PolicyEncryptColdOnly)
	res := h.create(t)
	_, hotVersion := h.record(t, h.hot)
	_, coldVersion := h.record(t, h.cold)

	_, err := h.engine.RecoverShare(context.Background(), testUser, "wrong password")
	requireKind(t, err, apperrors.ErrCodeDecryption)

	_, hv := h.record(t, h.hot)
	_, cv := h.record(t, h.cold)
	assert.Equal(t, hotVersion, hv)
	assert.Equal(t, coldVersion, cv)
	assert.Equal(t, 0, h.hot.Calls(mocks.OpUpdate)+h.cold.Calls(mocks.OpUpdate))
	h.signsAs(t, res.ClientShare, res.Identity)
}

func TestRecoverShare_PrepareFailure(t *testing.T) {
	h := newHarness(t, types.PolicyEncryptAll)
	res := h.create(t)
	h.cold.FailOnCall(mocks.OpUpdate, 1)

	_, err := h.engine.RecoverShare(context.Background(), testUser, testPassword)
	requireKind(t, err, apperrors.ErrCodeStorage)

	cold, _ := h.record(t, h.cold)
	assert.Nil(t, cold.Pending)
	assert.Equal(t, 0, h.hot.Calls(mocks.OpUpdate))
	h.signsAs(t, res.ClientShare, res.Identity)
}

func TestRecoverShare_CommitFailure(t *testing.T) {
	h := newHarness(t, types.PolicyEncryptAll)
	res := h.create(t)
	before, _ := h.record(t, h.hot)
	h.hot.FailOnCall(mocks.OpUpdate, 1)

	_, err := h.engine.RecoverShare(context.Background(), testUser, testPassword)
	requireKind(t, err, apperrors.ErrCodeStorage)

	hot, _ := h.record(t, h.hot)
	assert.Equal(t, before.Generation, hot.Generation)
	h.signsAs(t, res.ClientShare, res.Identity)

	// the staged cold share never matches hot and is replaced by the next rotation
	cold, _ := h.record(t, h.cold)
	require.NotNil(t, cold.Pending)
	assert.Equal(t, before.Generation, cold.Generation)

	next, err := h.engine.RecoverShare(context.Background(), testUser, testPassword)
	require.NoError(t, err)
	h.signsAs(t, next, res.Identity)
	assert.Equal(t, 0.0, h.metric("custody_rotation_rolled_forward_total", nil))
}

// landedBackend applies updates and then reports failure
type landedBackend struct {
	sharestore.Backend
	fail bool
}

func (b *landedBackend) Update(ctx context.Context, userID string, value []byte, expected int64) (int64, error) {
	v, err := b.Backend.Update(ctx, userID, value, expected)
	if err == nil && b.fail {
		b.fail = false
		return 0, errors.New("connection reset after write")
	}
	return v, err
}

func TestRecoverShare_CommitLandedDespiteError(t *testing.T) {
	landed := &landedBackend{Backend: sharestore.NewMemory("hot")}
	h := newHarnessWithStores(t, types.PolicyEncryptAll, mocks.NewFlakyBackend(landed), mocks.NewFlakyBackend(nil))
	res := h.create(t)

	landed.fail = true
	next, err := h.engine.RecoverShare(context.Background(), testUser, testPassword)
	require.NoError(t, err)
	h.signsAs(t, next, res.Identity)

	hot, _ := h.record(t, h.hot)
	cold, _ := h.record(t, h.cold)
	assert.Equal(t, hot.Generation, cold.Generation)
	assert.Nil(t, cold.Pending)
}

func TestRecoverShare_CommitCheckRetriesRead(t *testing.T) {
	landed := &landedBackend{Backend: sharestore.NewMemory("hot")}
	hot := mocks.NewFlakyBackend(landed)
	h := newHarnessWithStores(t, types.PolicyEncryptAll, hot, mocks.NewFlakyBackend(nil))
	res := h.create(t)

	landed.fail = true
	// read 1 loads the pair, read 2 is the first post-commit check
	hot.FailOnCall(mocks.OpGet, 2)

	next, err := h.engine.RecoverShare(context.Background(), testUser, testPassword)
	require.NoError(t, err)
	h.signsAs(t, next, res.Identity)
}

func TestRecoverShare_UnconfirmedCommitIsRepairedByNextRecovery(t *testing.T) {
	landed := &landedBackend{Backend: sharestore.NewMemory("hot")}
	hot := mocks.NewFlakyBackend(landed)
	h := newHarnessWithStores(t, types.PolicyEncryptAll, hot, mocks.NewFlakyBackend(nil))
	h.create(t)

	landed.fail = true
	hot.FailOnCall(mocks.OpGet, 2)
	hot.FailOnCall(mocks.OpGet, 3)

	_, err := h.engine.RecoverShare(context.Background(), testUser, testPassword)
	requireKind(t, err, apperrors.ErrCodeStorage)

	// the commit did land: hot matches the staged cold share
	hotRec, _ := h.record(t, h.hot)
	coldRec, _ := h.record(t, h.cold)
	require.NotNil(t, coldRec.Pending)
	assert.Equal(t, hotRec.Generation, coldRec.Pending.Generation)

	next, err := h.engine.RecoverShare(context.Background(), testUser, testPassword)
	require.NoError(t, err)
	h.signsAs(t, next, hotRec.Identity)
	assert.Equal(t, 1.0, h.metric("custody_rotation_rolled_forward_total", nil))
}

func TestRecoverShare_DeferredFinalize(t *testing.T) {
	h := newHarness(t, types.PolicyEncryptAll)
	res := h.create(t)
	h.cold.FailOnCall(mocks.OpUpdate, 2)

	next, err := h.engine.RecoverShare(context.Background(), testUser, testPassword)
	require.NoError(t, err)
	assert.Equal(t, 1.0, h.metric("custody_rotation_deferred_finalize_total", nil))

	hot, _ := h.record(t, h.hot)
	cold, _ := h.record(t, h.cold)
	require.NotNil(t, cold.Pending)
	assert.NotEqual(t, hot.Generation, cold.Generation)
	assert.Equal(t, hot.Generation, cold.Pending.Generation)

	// the new client share works straight away
	h.signsAs(t, next, res.Identity)

	// the next recovery promotes the pending share and completes cleanly
	last, err := h.engine.RecoverShare(context.Background(), testUser, testPassword)
	require.NoError(t, err)
	assert.Equal(t, 1.0, h.metric("custody_rotation_rolled_forward_total", nil))
	h.signsAs(t, last, res.Identity)

	hot, _ = h.record(t, h.hot)
	cold, _ = h.record(t, h.cold)
	assert.Equal(t, hot.Generation, cold.Generation)
	assert.Nil(t, cold.Pending)
}

func TestRecoverShare_ConcurrentCallsSerialize(t *testing.T) {
	h := newHarness(t, types.PolicyEncryptAll)
	res := h.create(t)

	const workers = 5
	shares := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shares[i], errs[i] = h.engine.RecoverShare(context.Background(), testUser, testPassword)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	valid := 0
	for _, share := range shares {
		if _, err := h.engine.SignMessage(context.Background(), testUser, share, testPassword, testMessage); err == nil {
			valid++
		}
	}
	assert.Equal(t, 1, valid)

	hot, _ := h.record(t, h.hot)
	cold, _ := h.record(t, h.cold)
	assert.Equal(t, hot.Generation, cold.Generation)
	assert.Equal(t, res.Identity, cold.Identity)
	assert.Equal(t, 0, h.engine.locks.held())
}

func TestRecoverShare_LockWaitCancelled(t *testing.T) {
	h := newHarness(t, types.PolicyEncryptAll)
	h.create(t)

	unlock, err := h.engine.locks.Lock(context.Background(), testUser)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.engine.RecoverShare(ctx, testUser, testPassword)
	requireKind(t, err, apperrors.ErrCodeConflict)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	unlock()
	assert.Equal(t, 0, h.engine.locks.held())
}

func TestPolicyChange(t *testing.T) {
	hot := mocks.NewFlakyBackend(sharestore.NewMemory("hot"))
	cold := mocks.NewFlakyBackend(sharestore.NewMemory("cold"))

	before := newHarnessWithStores(t, types.PolicyEncryptAll, hot, cold)
	res := before.create(t)

	after := newHarnessWithStores(t, types.PolicyEncryptColdOnly, hot, cold)

	// shares written under the old policy keep working
	after.signsAs(t, res.ClientShare, res.Identity)
	_, err := after.engine.SignMessage(context.Background(), testUser, res.ClientShare, "wrong password", testMessage)
	requireKind(t, err, apperrors.ErrCodeDecryption)

	next, err := after.engine.RecoverShare(context.Background(), testUser, testPassword)
	require.NoError(t, err)
	raw, err := crypto.DecodeShare(next)
	require.NoError(t, err)
	assert.NoError(t, crypto.ValidateShare(raw))

	rec, _ := after.record(t, hot)
	assert.False(t, rec.Encrypted)
	after.signsAs(t, next, res.Identity)

	// and back again
	back := newHarnessWithStores(t, types.PolicyEncryptAll, hot, cold)
	back.signsAs(t, next, res.Identity)
}

func TestReconcile(t *testing.T) {
	now := time.Now()
	current := storedShare{Generation: uuid.New(), Share: "a", Encrypted: true}
	next := storedShare{Generation: uuid.New(), Share: "b", Encrypted: true}
	identity := "0x00000000000000000000000000000000000000aa"

	tests := []struct {
		name     string
		hot      *shareRecord
		cold     *shareRecord
		wantGen  storedShare
		wantRoll bool
		wantErr  bool
	}{
		{
			name:    "same generation",
			hot:     &shareRecord{storedShare: current, Identity: identity},
			cold:    &shareRecord{storedShare: current, Identity: identity},
			wantGen: current,
		},
		{
			name:    "pending ignored when current matches",
			hot:     &shareRecord{storedShare: current, Identity: identity},
			cold:    &shareRecord{storedShare: current, Identity: identity, Pending: &next},
			wantGen: current,
		},
		{
			name:     "pending promoted",
			hot:      &shareRecord{storedShare: next, Identity: identity},
			cold:     &shareRecord{storedShare: current, Identity: identity, Pending: &next},
			wantGen:  next,
			wantRoll: true,
		},
		{
			name:    "mismatch without pending",
			hot:     &shareRecord{storedShare: next, Identity: identity},
			cold:    &shareRecord{storedShare: current, Identity: identity},
			wantErr: true,
		},
		{
			name:    "different identity",
			hot:     &shareRecord{storedShare: current, Identity: identity},
			cold:    &shareRecord{storedShare: current, Identity: "0x00000000000000000000000000000000000000bb"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rolled, err := reconcile(tt.hot, tt.cold, now)
			if tt.wantErr {
				requireKind(t, err, apperrors.ErrCodeCombine)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantGen, got.storedShare)
			assert.Equal(t, tt.wantRoll, rolled)
			if rolled {
				assert.Nil(t, got.Pending)
			}
		})
	}
}
