package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/enclave-runtime/attestation"
	"github.com/R3E-Network/enclave-runtime/bridge"
	"github.com/R3E-Network/enclave-runtime/compliance"
	"github.com/R3E-Network/enclave-runtime/compute"
	"github.com/R3E-Network/enclave-runtime/enclave"
	"github.com/R3E-Network/enclave-runtime/gasbank"
	"github.com/R3E-Network/enclave-runtime/keys"
	"github.com/R3E-Network/enclave-runtime/types"
	"github.com/R3E-Network/enclave-runtime/vault"
)

// testLifecycle drives the enclave core directly; the root runtime object is
// exercised by its own package tests.
type testLifecycle struct {
	runtime     enclave.Runtime
	keys        *keys.Manager
	panicStatus bool
}

func (l *testLifecycle) Initialize(ctx context.Context) error {
	if err := l.runtime.Initialize(); err != nil {
		return err
	}
	return l.keys.Initialize()
}

func (l *testLifecycle) Cleanup(ctx context.Context) error {
	return l.runtime.Shutdown()
}

func (l *testLifecycle) Status() types.Status {
	if l.panicStatus {
		panic("status handler blew up")
	}
	return types.Status{
		Ready:     l.runtime.Ready(),
		Mode:      types.EnclaveMode(l.runtime.Mode()),
		EnclaveID: l.runtime.EnclaveID(),
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testLifecycle) {
	t.Helper()

	runtime, err := enclave.New(enclave.Config{
		Mode:      enclave.ModeSimulation,
		EnclaveID: "test-enclave",
	})
	require.NoError(t, err)

	keyManager := keys.New(runtime)
	storage, err := bridge.NewFileStorage(bridge.FileStorageConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	v, err := vault.New(vault.Config{Runtime: runtime, Storage: storage})
	require.NoError(t, err)
	bank, err := gasbank.New(gasbank.Config{Runtime: runtime, Storage: storage})
	require.NoError(t, err)
	attestor, err := attestation.New(attestation.Config{Runtime: runtime, Keys: keyManager})
	require.NoError(t, err)

	lifecycle := &testLifecycle{runtime: runtime, keys: keyManager}
	dispatcher, err := New(Config{
		Lifecycle:   lifecycle,
		Enclave:     runtime,
		Vault:       v,
		Compute:     compute.NewManager(compute.Config{Vault: v, GasBank: bank}),
		Attestation: attestor,
		GasBank:     bank,
		Compliance:  compliance.New(nil),
		Storage:     storage,
	})
	require.NoError(t, err)
	return dispatcher, lifecycle
}

// invoke runs the two-phase protocol to completion: size query, then fill.
func invoke(t *testing.T, d *Dispatcher, msgType MessageType, input []byte) ([]byte, Code) {
	t.Helper()
	ctx := context.Background()

	n, code := d.Invoke(ctx, msgType, input, nil)
	if code == CodeOK && n == 0 {
		return nil, code
	}
	if code != CodeBufferTooSmall {
		return nil, code
	}

	out := make([]byte, n)
	filled, code := d.Invoke(ctx, msgType, input, out)
	require.Equal(t, CodeOK, code, "fill phase failed")
	require.Equal(t, n, filled, "fill size differs from size query")
	return out[:filled], code
}

func initialized(t *testing.T) *Dispatcher {
	t.Helper()
	d, _ := newTestDispatcher(t)
	_, code := d.Invoke(context.Background(), MsgInitialize, nil, nil)
	require.Equal(t, CodeOK, code)
	return d
}

func TestLifecycleAndStatus(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	// Non-lifecycle calls fail before initialization.
	_, code := d.Invoke(ctx, MsgGenerateUUID, nil, nil)
	require.Equal(t, CodeInvalidArgument, code)

	_, code = d.Invoke(ctx, MsgInitialize, nil, nil)
	require.Equal(t, CodeOK, code)

	raw, code := invoke(t, d, MsgGetStatus, nil)
	require.Equal(t, CodeOK, code)

	var status types.Status
	require.NoError(t, json.Unmarshal(raw, &status))
	require.True(t, status.Ready)
	require.Equal(t, "test-enclave", status.EnclaveID)

	_, code = d.Invoke(ctx, MsgCleanup, nil, nil)
	require.Equal(t, CodeOK, code)

	_, code = d.Invoke(ctx, MsgGenerateUUID, nil, nil)
	require.Equal(t, CodeInvalidArgument, code)
}

func TestTwoPhaseSizeProtocol(t *testing.T) {
	d := initialized(t)
	ctx := context.Background()

	input := []byte(`{"size": 64}`)

	// Size query with a nil buffer: exact requirement, nothing written.
	n, code := d.Invoke(ctx, MsgGenerateRandom, input, nil)
	require.Equal(t, CodeBufferTooSmall, code)
	require.Equal(t, 64, n)

	// A short buffer is also a size query and stays untouched.
	short := make([]byte, 8)
	n, code = d.Invoke(ctx, MsgGenerateRandom, input, short)
	require.Equal(t, CodeBufferTooSmall, code)
	require.Equal(t, 64, n)
	require.Equal(t, make([]byte, 8), short)

	// Retry with the reported size succeeds.
	out := make([]byte, n)
	filled, code := d.Invoke(ctx, MsgGenerateRandom, input, out)
	require.Equal(t, CodeOK, code)
	require.Equal(t, 64, filled)
}

func TestTwoPhaseMutationAppliesOnce(t *testing.T) {
	d := initialized(t)
	ctx := context.Background()

	update := []byte(`{"user_id": "alice", "delta": 1000}`)

	// Size query executes the update; the fill call must not apply it again.
	n, code := d.Invoke(ctx, MsgUpdateGasBalance, update, nil)
	require.Equal(t, CodeBufferTooSmall, code)

	out := make([]byte, n)
	filled, code := d.Invoke(ctx, MsgUpdateGasBalance, update, out)
	require.Equal(t, CodeOK, code)
	require.JSONEq(t, `{"balance": 1000}`, string(out[:filled]))

	raw, code := invoke(t, d, MsgGetGasBalance, []byte(`{"user_id": "alice"}`))
	require.Equal(t, CodeOK, code)
	require.JSONEq(t, `{"balance": 1000}`, string(raw))

	// A fresh call after the fill executes again.
	raw, code = invoke(t, d, MsgUpdateGasBalance, update)
	require.Equal(t, CodeOK, code)
	require.JSONEq(t, `{"balance": 2000}`, string(raw))
}

func TestTwoPhaseDeleteRetrySucceeds(t *testing.T) {
	d := initialized(t)
	ctx := context.Background()

	_, code := d.Invoke(ctx, MsgStoreSecret,
		[]byte(`{"user_id": "alice", "name": "token", "value": "sk-123"}`), nil)
	require.Equal(t, CodeOK, code)

	// The size query deletes the secret; the retry with exactly the reported
	// size must succeed with the original outcome, not re-run the delete.
	del := []byte(`{"user_id": "alice", "name": "token"}`)
	n, code := d.Invoke(ctx, MsgDeleteSecret, del, nil)
	require.Equal(t, CodeBufferTooSmall, code)

	out := make([]byte, n)
	filled, code := d.Invoke(ctx, MsgDeleteSecret, del, out)
	require.Equal(t, CodeOK, code)
	require.JSONEq(t, `{"deleted": true}`, string(out[:filled]))

	_, code = d.Invoke(ctx, MsgGetSecret, del, nil)
	require.Equal(t, CodeNotFound, code)
}

func TestTwoPhaseExecutesScriptOnce(t *testing.T) {
	d := initialized(t)
	ctx := context.Background()

	request, err := json.Marshal(types.ExecutionRequest{
		Script:     `function main() { return 2 + 2; }`,
		EntryPoint: "main",
		UserID:     "alice",
	})
	require.NoError(t, err)

	n, code := d.Invoke(ctx, MsgExecuteJS, request, nil)
	require.Equal(t, CodeBufferTooSmall, code)

	out := make([]byte, n)
	filled, code := d.Invoke(ctx, MsgExecuteJS, request, out)
	require.Equal(t, CodeOK, code)
	require.Equal(t, n, filled)

	var result types.ExecutionResult
	require.NoError(t, json.Unmarshal(out[:filled], &result))
	require.Equal(t, types.ExecutionSucceeded, result.Status)

	// The gas bank saw exactly one execution across the two phases.
	raw, code := invoke(t, d, MsgGetGasUsage, []byte(`{"user_id": "alice"}`))
	require.Equal(t, CodeOK, code)
	var usage struct {
		Used uint64 `json:"used"`
	}
	require.NoError(t, json.Unmarshal(raw, &usage))
	require.Equal(t, result.GasUsed, usage.Used)
}

func TestExecuteScriptRoundTrip(t *testing.T) {
	d := initialized(t)

	request, err := json.Marshal(types.ExecutionRequest{
		Script:     `function main() { return 2 + 2; }`,
		EntryPoint: "main",
		UserID:     "alice",
	})
	require.NoError(t, err)

	raw, code := invoke(t, d, MsgExecuteJS, request)
	require.Equal(t, CodeOK, code)

	var result types.ExecutionResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Equal(t, types.ExecutionSucceeded, result.Status)
	require.Equal(t, "4", result.Result)
	require.NotZero(t, result.GasUsed)
}

func TestContextLifecycleMessages(t *testing.T) {
	d := initialized(t)
	ctx := context.Background()

	raw, code := invoke(t, d, MsgCreateJSContext, nil)
	require.Equal(t, CodeOK, code)
	var created struct {
		Handle uint64 `json:"handle"`
	}
	require.NoError(t, json.Unmarshal(raw, &created))
	require.NotZero(t, created.Handle)

	request, err := json.Marshal(map[string]any{
		"handle":      created.Handle,
		"script":      `function main() { return "ok"; }`,
		"entry_point": "main",
		"user_id":     "alice",
	})
	require.NoError(t, err)
	raw, code = invoke(t, d, MsgExecuteJSCode, request)
	require.Equal(t, CodeOK, code)
	var result types.ExecutionResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Equal(t, `"ok"`, result.Result)

	destroy := []byte(`{"handle": ` + jsonUint(created.Handle) + `}`)
	_, code = d.Invoke(ctx, MsgDestroyJSContext, destroy, nil)
	require.Equal(t, CodeOK, code)

	// Destroyed handle now routes to NOT_FOUND.
	_, code = d.Invoke(ctx, MsgExecuteJSCode, request, nil)
	require.Equal(t, CodeNotFound, code)
	_, code = d.Invoke(ctx, MsgDestroyJSContext, destroy, nil)
	require.Equal(t, CodeNotFound, code)
}

func jsonUint(v uint64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

func TestSecretMessages(t *testing.T) {
	d := initialized(t)
	ctx := context.Background()

	_, code := d.Invoke(ctx, MsgStoreSecret,
		[]byte(`{"user_id": "alice", "name": "token", "value": "sk-123"}`), nil)
	require.Equal(t, CodeOK, code)

	raw, code := invoke(t, d, MsgGetSecret, []byte(`{"user_id": "alice", "name": "token"}`))
	require.Equal(t, CodeOK, code)
	require.Equal(t, "sk-123", string(raw))

	raw, code = invoke(t, d, MsgListSecrets, []byte(`{"user_id": "alice"}`))
	require.Equal(t, CodeOK, code)
	var names []string
	require.NoError(t, json.Unmarshal(raw, &names))
	require.Equal(t, []string{"token"}, names)

	raw, code = invoke(t, d, MsgDeleteSecret, []byte(`{"user_id": "alice", "name": "token"}`))
	require.Equal(t, CodeOK, code)
	require.JSONEq(t, `{"deleted": true}`, string(raw))

	_, code = d.Invoke(ctx, MsgGetSecret, []byte(`{"user_id": "alice", "name": "token"}`), nil)
	require.Equal(t, CodeNotFound, code)
}

func TestAttestationMessages(t *testing.T) {
	d := initialized(t)

	evidence, code := invoke(t, d, MsgGenerateAttestation, nil)
	require.Equal(t, CodeOK, code)
	require.NotEmpty(t, evidence)

	var report struct {
		Report types.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(evidence, &report))

	verifyInput, err := json.Marshal(map[string]any{
		"evidence": base64.StdEncoding.EncodeToString(evidence),
		"policy": types.VerifyPolicy{
			Mode:                types.PolicyStrict,
			AllowedMeasurements: []string{report.Report.MREnclave},
		},
	})
	require.NoError(t, err)

	raw, code := invoke(t, d, MsgVerifyAttestation, verifyInput)
	require.Equal(t, CodeOK, code)
	require.JSONEq(t, `{"valid": true}`, string(raw))

	// Wrong measurement fails the policy but is still a valid call.
	rejectInput, err := json.Marshal(map[string]any{
		"evidence": base64.StdEncoding.EncodeToString(evidence),
		"policy": types.VerifyPolicy{
			Mode:                types.PolicyStrict,
			AllowedMeasurements: []string{"deadbeef"},
		},
	})
	require.NoError(t, err)
	raw, code = invoke(t, d, MsgVerifyAttestation, rejectInput)
	require.Equal(t, CodeOK, code)
	require.JSONEq(t, `{"valid": false}`, string(raw))
}

func TestComplianceMessage(t *testing.T) {
	d := initialized(t)

	input := []byte(`{
		"document": {"amount": 500},
		"rules": [{"path": "$.amount", "op": "lt", "value": 1000}]
	}`)
	raw, code := invoke(t, d, MsgVerifyCompliance, input)
	require.Equal(t, CodeOK, code)

	var result compliance.Result
	require.NoError(t, json.Unmarshal(raw, &result))
	require.True(t, result.Compliant)
}

func TestPersistentDataMessages(t *testing.T) {
	d := initialized(t)
	ctx := context.Background()

	_, code := d.Invoke(ctx, MsgInitializeStorage, nil, nil)
	require.Equal(t, CodeOK, code)

	value := base64.StdEncoding.EncodeToString([]byte("payload"))
	_, code = d.Invoke(ctx, MsgStorePersistentData,
		[]byte(`{"key": "doc1", "value": "`+value+`"}`), nil)
	require.Equal(t, CodeOK, code)

	raw, code := invoke(t, d, MsgRetrievePersistent, []byte(`{"key": "doc1"}`))
	require.Equal(t, CodeOK, code)
	require.Equal(t, "payload", string(raw))

	raw, code = invoke(t, d, MsgCheckPersistentData, []byte(`{"key": "doc1"}`))
	require.Equal(t, CodeOK, code)
	require.JSONEq(t, `{"exists": true}`, string(raw))

	raw, code = invoke(t, d, MsgListPersistentData, []byte(`{"prefix": ""}`))
	require.Equal(t, CodeOK, code)
	var keys []string
	require.NoError(t, json.Unmarshal(raw, &keys))
	require.Equal(t, []string{"doc1"}, keys)

	_, code = d.Invoke(ctx, MsgDeletePersistentData, []byte(`{"key": "doc1"}`), nil)
	require.Equal(t, CodeOK, code)

	_, code = d.Invoke(ctx, MsgRetrievePersistent, []byte(`{"key": "doc1"}`), nil)
	require.Equal(t, CodeNotFound, code)
}

func TestGasMessages(t *testing.T) {
	d := initialized(t)

	raw, code := invoke(t, d, MsgUpdateGasBalance, []byte(`{"user_id": "alice", "delta": 1000}`))
	require.Equal(t, CodeOK, code)
	require.JSONEq(t, `{"balance": 1000}`, string(raw))

	raw, code = invoke(t, d, MsgGetGasBalance, []byte(`{"user_id": "alice"}`))
	require.Equal(t, CodeOK, code)
	require.JSONEq(t, `{"balance": 1000}`, string(raw))

	raw, code = invoke(t, d, MsgGetGasUsage, []byte(`{"user_id": "alice"}`))
	require.Equal(t, CodeOK, code)
	require.JSONEq(t, `{"used": 0}`, string(raw))

	// An overdraft is rejected with the argument code.
	_, code = d.Invoke(context.Background(), MsgUpdateGasBalance,
		[]byte(`{"user_id": "alice", "delta": -2000}`), nil)
	require.Equal(t, CodeInvalidArgument, code)
}

func TestUnknownMessageRejected(t *testing.T) {
	d := initialized(t)

	_, code := d.Invoke(context.Background(), MessageType(9999), nil, nil)
	require.Equal(t, CodeInvalidArgument, code)
}

func TestInvalidPayloadsRejected(t *testing.T) {
	d := initialized(t)
	ctx := context.Background()

	cases := []struct {
		msgType MessageType
		input   []byte
	}{
		{MsgExecuteJS, nil},
		{MsgExecuteJS, []byte("not json")},
		{MsgExecuteJS, []byte(`{"script": "", "user_id": "alice"}`)},
		{MsgStoreSecret, nil},
		{MsgGenerateRandom, []byte(`{"size": 0}`)},
		{MsgGenerateRandom, []byte(`{"size": 99999999}`)},
		{MsgGetGasBalance, []byte(`{}`)},
		{MsgDestroyJSContext, []byte(`{}`)},
	}
	for _, tc := range cases {
		_, code := d.Invoke(ctx, tc.msgType, tc.input, nil)
		require.Equalf(t, CodeInvalidArgument, code, "%s with %q", tc.msgType, tc.input)
	}
}

func TestPanicBecomesInternalCode(t *testing.T) {
	d, lifecycle := newTestDispatcher(t)
	lifecycle.panicStatus = true

	n, code := d.Invoke(context.Background(), MsgGetStatus, nil, make([]byte, 256))
	require.Equal(t, CodeInternal, code)
	require.Zero(t, n)
}

func TestGasOverrunCode(t *testing.T) {
	d := initialized(t)

	request, err := json.Marshal(types.ExecutionRequest{
		Script:   `for (var i = 0; i < 1e6; i++) { console.log("burn"); }`,
		UserID:   "alice",
		GasLimit: 2000,
	})
	require.NoError(t, err)

	_, code := d.Invoke(context.Background(), MsgExecuteJS, request, nil)
	require.Equal(t, CodeResourceExceeded, code)
}

func TestMessageTypeNames(t *testing.T) {
	require.Equal(t, "EXECUTE_JS", MsgExecuteJS.String())
	require.Equal(t, "UNKNOWN(9999)", MessageType(9999).String())
	require.Equal(t, "RESOURCE_EXCEEDED", CodeResourceExceeded.String())
}
