package executor

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/cyphera/delegation-server/internal/actions"
	"github.com/cyphera/delegation-server/internal/bundler"
	"github.com/cyphera/delegation-server/internal/gas"
	"github.com/cyphera/delegation-server/internal/kv"
	"github.com/cyphera/delegation-server/internal/logger"
	"github.com/cyphera/delegation-server/internal/permissions"
	"github.com/cyphera/delegation-server/internal/userop"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitLogger()
}

const (
	testUser   = "0x1234567890123456789012345678901234567890"
	testTarget = "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"
	testOpHash = "0x7c54b2e342f2ab8b92b79e2f3e39c9b1d11f8b87c5e9a746430a63cb5b49e7dd"
	testTxHash = "0x91f3a2dd6c6a6e58e1f4c96b27a2f49c587a97b3d2b5b93720b12cd6af08e611"
)

type mockPermissions struct {
	mock.Mock
}

func (m *mockPermissions) Get(ctx context.Context, userAddress string) (*permissions.DelegationGrant, error) {
	args := m.Called(ctx, userAddress)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*permissions.DelegationGrant), args.Error(1)
}

func (m *mockPermissions) RecordUsage(ctx context.Context, userAddress string) error {
	args := m.Called(ctx, userAddress)
	return args.Error(0)
}

type mockBuilder struct {
	mock.Mock
}

func (m *mockBuilder) Build(actionName string, params map[string]interface{}) (*actions.CallSpec, error) {
	args := m.Called(actionName, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*actions.CallSpec), args.Error(1)
}

type mockChain struct {
	mock.Mock
}

func (m *mockChain) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	args := m.Called(ctx, account)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *mockChain) AccountNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	args := m.Called(ctx, sender)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

type mockEstimator struct {
	mock.Mock
}

func (m *mockEstimator) Estimate(ctx context.Context, op *userop.UserOperation, action string) (userop.GasFields, gas.Source) {
	args := m.Called(ctx, op, action)
	return args.Get(0).(userop.GasFields), args.Get(1).(gas.Source)
}

type mockSigner struct {
	mock.Mock
}

func (m *mockSigner) Sign(op *userop.UserOperation, authorizedSender common.Address) error {
	args := m.Called(op, authorizedSender)
	return args.Error(0)
}

type mockRelayer struct {
	mock.Mock
}

func (m *mockRelayer) SendUserOperation(ctx context.Context, op *userop.UserOperation) (string, error) {
	args := m.Called(ctx, op)
	return args.String(0), args.Error(1)
}

func (m *mockRelayer) PollReceipt(ctx context.Context, opHash string) (*userop.Receipt, error) {
	args := m.Called(ctx, opHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*userop.Receipt), args.Error(1)
}

type testMocks struct {
	permissions *mockPermissions
	builder     *mockBuilder
	chain       *mockChain
	estimator   *mockEstimator
	signer      *mockSigner
	relayer     *mockRelayer
}

func newTestExecutor() (*Executor, *testMocks) {
	m := &testMocks{
		permissions: new(mockPermissions),
		builder:     new(mockBuilder),
		chain:       new(mockChain),
		estimator:   new(mockEstimator),
		signer:      new(mockSigner),
		relayer:     new(mockRelayer),
	}
	exec := New(m.permissions, m.builder, m.chain, m.estimator, m.signer, m.relayer)
	return exec, m
}

func validGrant() *permissions.DelegationGrant {
	return &permissions.DelegationGrant{
		UserAddress:     testUser,
		DelegateAddress: "0x9999999999999999999999999999999999999999",
		AllowedActions:  []string{"mint_passport", "transfer_token"},
		MaxOperations:   10,
		OperationsUsed:  0,
		CreatedAt:       time.Now().Add(-time.Hour),
		ExpiresAt:       time.Now().Add(time.Hour),
	}
}

func testCallSpec() *actions.CallSpec {
	return &actions.CallSpec{
		Target:   common.HexToAddress(testTarget),
		Value:    big.NewInt(0),
		CallData: []byte{0x01, 0x02, 0x03, 0x04},
	}
}

func confirmedReceipt(success bool) *userop.Receipt {
	return &userop.Receipt{
		UserOpHash: testOpHash,
		Success:    success,
		Receipt: userop.TransactionReceipt{
			TransactionHash: testTxHash,
			BlockNumber:     "0x10",
		},
	}
}

// setupHappyPath stubs every stage through submission and confirmation.
func setupHappyPath(m *testMocks) {
	m.permissions.On("Get", mock.Anything, testUser).Return(validGrant(), nil)
	m.builder.On("Build", "mint_passport", mock.Anything).Return(testCallSpec(), nil)
	m.chain.On("Balance", mock.Anything, common.HexToAddress(testUser)).Return(big.NewInt(1e18), nil)
	m.chain.On("AccountNonce", mock.Anything, common.HexToAddress(testUser)).Return(big.NewInt(7), nil)
	m.estimator.On("Estimate", mock.Anything, mock.Anything, "mint_passport").
		Return(gas.DefaultFallback(), gas.SourceEstimated)
	m.signer.On("Sign", mock.Anything, common.HexToAddress(testUser)).Return(nil)
	m.relayer.On("SendUserOperation", mock.Anything, mock.Anything).Return(testOpHash, nil)
	m.relayer.On("PollReceipt", mock.Anything, testOpHash).Return(confirmedReceipt(true), nil)
	m.permissions.On("RecordUsage", mock.Anything, testUser).Return(nil)
}

func mintRequest() Request {
	return Request{
		UserAddress: testUser,
		Action:      "mint_passport",
		Params:      map[string]interface{}{"recipient": testUser},
	}
}

func TestExecute_Success(t *testing.T) {
	exec, m := newTestExecutor()
	setupHappyPath(m)

	result, err := exec.Execute(context.Background(), mintRequest())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.False(t, result.Pending)
	assert.Equal(t, testOpHash, result.OperationHash)
	assert.Equal(t, testTxHash, result.TransactionHash)
	assert.Equal(t, gas.SourceEstimated, result.GasSource)
	assert.GreaterOrEqual(t, result.DurationMs, int64(0))

	m.permissions.AssertCalled(t, "RecordUsage", mock.Anything, testUser)
	m.permissions.AssertNumberOfCalls(t, "RecordUsage", 1)
}

func TestExecute_InvalidUserAddress(t *testing.T) {
	exec, _ := newTestExecutor()

	result, err := exec.Execute(context.Background(), Request{
		UserAddress: "not-an-address",
		Action:      "mint_passport",
	})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, CodeInvalidParams, ErrorCode(err))
}

func TestExecute_Unauthorized_NoGrant(t *testing.T) {
	exec, m := newTestExecutor()
	m.permissions.On("Get", mock.Anything, testUser).Return(nil, nil)

	result, err := exec.Execute(context.Background(), mintRequest())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, CodeUnauthorized, ErrorCode(err))
	m.builder.AssertNotCalled(t, "Build", mock.Anything, mock.Anything)
}

func TestExecute_Unauthorized_ExpiredGrant(t *testing.T) {
	exec, m := newTestExecutor()
	grant := validGrant()
	grant.ExpiresAt = time.Now().Add(-time.Minute)
	m.permissions.On("Get", mock.Anything, testUser).Return(grant, nil)

	_, err := exec.Execute(context.Background(), mintRequest())
	require.Error(t, err)
	assert.Equal(t, CodeUnauthorized, ErrorCode(err))
}

func TestExecute_ActionNotAllowed(t *testing.T) {
	exec, m := newTestExecutor()
	// Quota exhaustion must not mask the allow-list verdict.
	grant := validGrant()
	grant.OperationsUsed = grant.MaxOperations
	m.permissions.On("Get", mock.Anything, testUser).Return(grant, nil)

	req := mintRequest()
	req.Action = "swap"
	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, CodeActionNotAllowed, ErrorCode(err))
}

func TestExecute_QuotaExceeded(t *testing.T) {
	exec, m := newTestExecutor()
	grant := validGrant()
	grant.OperationsUsed = grant.MaxOperations
	m.permissions.On("Get", mock.Anything, testUser).Return(grant, nil)

	_, err := exec.Execute(context.Background(), mintRequest())
	require.Error(t, err)
	assert.Equal(t, CodeQuotaExceeded, ErrorCode(err))
	m.builder.AssertNotCalled(t, "Build", mock.Anything, mock.Anything)
}

func TestExecute_UnknownAction(t *testing.T) {
	exec, m := newTestExecutor()
	grant := validGrant()
	grant.AllowedActions = append(grant.AllowedActions, "burn_everything")
	m.permissions.On("Get", mock.Anything, testUser).Return(grant, nil)
	m.builder.On("Build", "burn_everything", mock.Anything).Return(nil, actions.ErrUnknownAction)

	req := mintRequest()
	req.Action = "burn_everything"
	_, err := exec.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, CodeUnknownAction, ErrorCode(err))
}

func TestExecute_InvalidParams(t *testing.T) {
	exec, m := newTestExecutor()
	m.permissions.On("Get", mock.Anything, testUser).Return(validGrant(), nil)
	m.builder.On("Build", "mint_passport", mock.Anything).
		Return(nil, actions.ErrInvalidParams)

	_, err := exec.Execute(context.Background(), mintRequest())
	require.Error(t, err)
	assert.Equal(t, CodeInvalidParams, ErrorCode(err))
	m.chain.AssertNotCalled(t, "Balance", mock.Anything, mock.Anything)
}

func TestExecute_InsufficientFunds(t *testing.T) {
	exec, m := newTestExecutor()
	m.permissions.On("Get", mock.Anything, testUser).Return(validGrant(), nil)
	spec := testCallSpec()
	spec.Value = big.NewInt(1e18)
	m.builder.On("Build", "mint_passport", mock.Anything).Return(spec, nil)
	m.chain.On("Balance", mock.Anything, common.HexToAddress(testUser)).
		Return(big.NewInt(1e17), nil)

	_, err := exec.Execute(context.Background(), mintRequest())
	require.Error(t, err)
	assert.Equal(t, CodeInsufficientFunds, ErrorCode(err))

	// The pipeline must stop before any signing or submission work.
	m.signer.AssertNotCalled(t, "Sign", mock.Anything, mock.Anything)
	m.relayer.AssertNotCalled(t, "SendUserOperation", mock.Anything, mock.Anything)
}

func TestExecute_FallbackGasStillProceeds(t *testing.T) {
	exec, m := newTestExecutor()
	setupHappyPath(m)
	// Replace the estimator's verdict with a degraded one.
	m.estimator.ExpectedCalls = nil
	m.estimator.On("Estimate", mock.Anything, mock.Anything, "mint_passport").
		Return(gas.DefaultFallback(), gas.SourceFallback)

	result, err := exec.Execute(context.Background(), mintRequest())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, gas.SourceFallback, result.GasSource)
}

func TestExecute_SigningFailedNotRetried(t *testing.T) {
	exec, m := newTestExecutor()
	m.permissions.On("Get", mock.Anything, testUser).Return(validGrant(), nil)
	m.builder.On("Build", "mint_passport", mock.Anything).Return(testCallSpec(), nil)
	m.chain.On("Balance", mock.Anything, mock.Anything).Return(big.NewInt(1e18), nil)
	m.chain.On("AccountNonce", mock.Anything, mock.Anything).Return(big.NewInt(0), nil)
	m.estimator.On("Estimate", mock.Anything, mock.Anything, mock.Anything).
		Return(gas.DefaultFallback(), gas.SourceEstimated)
	m.signer.On("Sign", mock.Anything, mock.Anything).Return(assert.AnError)

	_, err := exec.Execute(context.Background(), mintRequest())
	require.Error(t, err)
	assert.Equal(t, CodeSigningFailed, ErrorCode(err))
	m.signer.AssertNumberOfCalls(t, "Sign", 1)
	m.relayer.AssertNotCalled(t, "SendUserOperation", mock.Anything, mock.Anything)
}

func TestExecute_SubmissionRejected(t *testing.T) {
	exec, m := newTestExecutor()
	setupHappyPath(m)
	m.relayer.ExpectedCalls = nil
	m.relayer.On("SendUserOperation", mock.Anything, mock.Anything).
		Return("", bundler.ErrSubmissionRejected)

	_, err := exec.Execute(context.Background(), mintRequest())
	require.Error(t, err)
	assert.Equal(t, CodeSubmissionRejected, ErrorCode(err))
	m.permissions.AssertNotCalled(t, "RecordUsage", mock.Anything, mock.Anything)
}

func TestExecute_ConfirmationTimeoutIsPending(t *testing.T) {
	exec, m := newTestExecutor()
	setupHappyPath(m)
	m.relayer.ExpectedCalls = nil
	m.relayer.On("SendUserOperation", mock.Anything, mock.Anything).Return(testOpHash, nil)
	m.relayer.On("PollReceipt", mock.Anything, testOpHash).
		Return(nil, bundler.ErrConfirmationTimeout)

	result, err := exec.Execute(context.Background(), mintRequest())
	require.Error(t, err)
	assert.Equal(t, CodeConfirmationTimeout, ErrorCode(err))

	// The outcome is unknown, not failed: the caller gets the hash to
	// check later, and no quota is consumed.
	require.NotNil(t, result)
	assert.True(t, result.Pending)
	assert.False(t, result.Success)
	assert.Equal(t, testOpHash, result.OperationHash)
	m.permissions.AssertNotCalled(t, "RecordUsage", mock.Anything, mock.Anything)
}

func TestExecute_RevertedOperationNotCounted(t *testing.T) {
	exec, m := newTestExecutor()
	setupHappyPath(m)
	m.relayer.ExpectedCalls = nil
	m.relayer.On("SendUserOperation", mock.Anything, mock.Anything).Return(testOpHash, nil)
	m.relayer.On("PollReceipt", mock.Anything, testOpHash).Return(confirmedReceipt(false), nil)

	_, err := exec.Execute(context.Background(), mintRequest())
	require.Error(t, err)
	assert.Equal(t, CodeExecutionReverted, ErrorCode(err))
	m.permissions.AssertNotCalled(t, "RecordUsage", mock.Anything, mock.Anything)
}

func TestExecute_UsageBookkeepingFailureDoesNotFailResult(t *testing.T) {
	exec, m := newTestExecutor()
	setupHappyPath(m)
	m.permissions.ExpectedCalls = nil
	m.permissions.On("Get", mock.Anything, testUser).Return(validGrant(), nil)
	m.permissions.On("RecordUsage", mock.Anything, testUser).
		Return(permissions.ErrQuotaExceeded)

	result, err := exec.Execute(context.Background(), mintRequest())
	require.NoError(t, err)
	assert.True(t, result.Success)
}

// TestExecute_QuotaConsumedAfterConfirmation runs the pipeline twice
// against a real permission store: the first confirmed execution uses up
// a one-operation grant and the second is refused.
func TestExecute_QuotaConsumedAfterConfirmation(t *testing.T) {
	grants := permissions.NewStore(kv.NewMemoryStore())
	_, err := grants.Grant(context.Background(), testUser, permissions.GrantConfig{
		DelegateAddress: "0x9999999999999999999999999999999999999999",
		AllowedActions:  []string{"mint_passport"},
		MaxOperations:   1,
		Duration:        time.Hour,
	})
	require.NoError(t, err)

	m := &testMocks{
		builder:   new(mockBuilder),
		chain:     new(mockChain),
		estimator: new(mockEstimator),
		signer:    new(mockSigner),
		relayer:   new(mockRelayer),
	}
	m.builder.On("Build", "mint_passport", mock.Anything).Return(testCallSpec(), nil)
	m.chain.On("Balance", mock.Anything, mock.Anything).Return(big.NewInt(1e18), nil)
	m.chain.On("AccountNonce", mock.Anything, mock.Anything).Return(big.NewInt(0), nil)
	m.estimator.On("Estimate", mock.Anything, mock.Anything, mock.Anything).
		Return(gas.DefaultFallback(), gas.SourceEstimated)
	m.signer.On("Sign", mock.Anything, mock.Anything).Return(nil)
	m.relayer.On("SendUserOperation", mock.Anything, mock.Anything).Return(testOpHash, nil)
	m.relayer.On("PollReceipt", mock.Anything, testOpHash).Return(confirmedReceipt(true), nil)

	exec := New(grants, m.builder, m.chain, m.estimator, m.signer, m.relayer)

	result, err := exec.Execute(context.Background(), mintRequest())
	require.NoError(t, err)
	assert.True(t, result.Success)

	_, err = exec.Execute(context.Background(), mintRequest())
	require.Error(t, err)
	assert.Equal(t, CodeQuotaExceeded, ErrorCode(err))
}

func TestExecute_OperationAssembly(t *testing.T) {
	exec, m := newTestExecutor()
	setupHappyPath(m)

	var submitted *userop.UserOperation
	m.relayer.ExpectedCalls = nil
	m.relayer.On("SendUserOperation", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			submitted = args.Get(1).(*userop.UserOperation)
		}).
		Return(testOpHash, nil)
	m.relayer.On("PollReceipt", mock.Anything, testOpHash).Return(confirmedReceipt(true), nil)

	_, err := exec.Execute(context.Background(), mintRequest())
	require.NoError(t, err)
	require.NotNil(t, submitted)

	assert.Equal(t, common.HexToAddress(testUser), submitted.Sender)
	assert.Equal(t, "0x7", submitted.Nonce)
	assert.Equal(t, "0x", submitted.InitCode)
	assert.Equal(t, "0x", submitted.PaymasterAndData)

	callData, err := hexutil.Decode(submitted.CallData)
	require.NoError(t, err)
	target, value, payload, err := userop.UnpackExecute(callData)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testTarget), target)
	assert.Zero(t, value.Sign())
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, payload)
}
