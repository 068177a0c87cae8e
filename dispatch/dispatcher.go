package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/enclave-runtime/attestation"
	"github.com/R3E-Network/enclave-runtime/bridge"
	"github.com/R3E-Network/enclave-runtime/compliance"
	"github.com/R3E-Network/enclave-runtime/compute"
	"github.com/R3E-Network/enclave-runtime/enclave"
	"github.com/R3E-Network/enclave-runtime/gasbank"
	"github.com/R3E-Network/enclave-runtime/pkg/logger"
	"github.com/R3E-Network/enclave-runtime/pkg/metrics"
	"github.com/R3E-Network/enclave-runtime/types"
	"github.com/R3E-Network/enclave-runtime/vault"
)

// maxRandomRequest bounds one GENERATE_RANDOM call.
const maxRandomRequest = 1 << 20

// Lifecycle is implemented by the runtime root; the dispatcher drives it for
// the lifecycle message family without owning it.
type Lifecycle interface {
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Status() types.Status
}

// Config holds the component wiring for a Dispatcher.
type Config struct {
	Lifecycle   Lifecycle
	Enclave     enclave.Runtime
	Vault       *vault.Vault
	Compute     *compute.Manager
	Attestation *attestation.Attestor
	GasBank     *gasbank.Bank
	Compliance  *compliance.Checker
	Storage     bridge.Storage
	Logger      *logger.Logger
	Metrics     *metrics.Collector
}

// Dispatcher is the single entry point for boundary calls.
type Dispatcher struct {
	lifecycle   Lifecycle
	enclave     enclave.Runtime
	vault       *vault.Vault
	compute     *compute.Manager
	attestation *attestation.Attestor
	gasBank     *gasbank.Bank
	compliance  *compliance.Checker
	storage     bridge.Storage
	log         *logger.Logger

	// pending holds results computed during a size-query phase, keyed by
	// message type and input digest. The matching fill call replays the
	// parked result instead of re-executing the operation, so mutating
	// messages commit exactly once across the two phases.
	pendingMu sync.Mutex
	pending   map[pendingKey][]byte

	calls  metricCounter
	faults metricCounter
}

type pendingKey struct {
	msg   MessageType
	input [sha256.Size]byte
}

type metricCounter interface{ Inc() }

type noopCounter struct{}

func (noopCounter) Inc() {}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Lifecycle == nil || cfg.Enclave == nil {
		return nil, fmt.Errorf("lifecycle and enclave are required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("dispatch")
	}

	d := &Dispatcher{
		lifecycle:   cfg.Lifecycle,
		enclave:     cfg.Enclave,
		vault:       cfg.Vault,
		compute:     cfg.Compute,
		attestation: cfg.Attestation,
		gasBank:     cfg.GasBank,
		compliance:  cfg.Compliance,
		storage:     cfg.Storage,
		log:         log,
		pending:     make(map[pendingKey][]byte),
		calls:       noopCounter{},
		faults:      noopCounter{},
	}
	if cfg.Metrics != nil {
		if c := cfg.Metrics.Counter("boundary_calls_total"); c != nil {
			d.calls = c
		}
		if c := cfg.Metrics.Counter("boundary_faults_total"); c != nil {
			d.faults = c
		}
	}
	return d, nil
}

// Invoke executes one boundary call. For operations returning variable-length
// data the two-phase size protocol applies: when out cannot hold the result,
// nothing is written, the return size is the required length, and the code is
// CodeBufferTooSmall so the caller can reallocate and retry. The operation
// runs once; the retry is served from the parked result, so a call with the
// reported size always succeeds and side effects never apply twice.
//
// All panics are recovered here and converted to CodeInternal; nothing
// exception-shaped crosses the boundary.
func (d *Dispatcher) Invoke(ctx context.Context, msgType MessageType, input []byte, out []byte) (n int, code Code) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.faults.Inc()
			d.log.WithField("message", msgType.String()).
				Errorf("panic in boundary handler: %v", recovered)
			n, code = 0, CodeInternal
		}
	}()

	d.calls.Inc()

	key := pendingKey{msg: msgType, input: sha256.Sum256(input)}

	d.pendingMu.Lock()
	result, replay := d.pending[key]
	d.pendingMu.Unlock()

	if !replay {
		var err error
		result, err = d.route(ctx, msgType, input)
		if err != nil {
			code := codeFor(err)
			if code == CodeInternal {
				d.faults.Inc()
				d.log.WithField("message", msgType.String()).WithError(err).Error("boundary call failed")
			} else {
				d.log.WithField("message", msgType.String()).
					WithField("code", code.String()).Debug("boundary call rejected")
			}
			return 0, code
		}
	}

	if len(result) == 0 {
		return 0, CodeOK
	}
	if len(result) > len(out) {
		// Size-query phase: park the result, report the exact requirement,
		// write nothing.
		d.pendingMu.Lock()
		d.pending[key] = result
		d.pendingMu.Unlock()
		return len(result), CodeBufferTooSmall
	}
	if replay {
		d.pendingMu.Lock()
		delete(d.pending, key)
		d.pendingMu.Unlock()
	}
	copy(out, result)
	return len(result), CodeOK
}

// route decodes the payload and calls the owning component.
func (d *Dispatcher) route(ctx context.Context, msgType MessageType, input []byte) ([]byte, error) {
	switch msgType {
	// ----- lifecycle ---------------------------------------------------
	case MsgInitialize:
		return nil, d.lifecycle.Initialize(ctx)
	case MsgCleanup:
		return nil, d.lifecycle.Cleanup(ctx)
	case MsgGetStatus:
		return json.Marshal(d.lifecycle.Status())
	}

	// Everything below requires an initialized runtime.
	if !d.enclave.Ready() {
		return nil, types.ErrRuntimeNotReady
	}

	switch msgType {
	// ----- script execution --------------------------------------------
	case MsgExecuteJS:
		return d.handleExecuteOnce(ctx, input)
	case MsgCreateJSContext:
		return json.Marshal(map[string]uint64{"handle": d.compute.Create()})
	case MsgDestroyJSContext:
		handle, err := requiredHandle(input)
		if err != nil {
			return nil, err
		}
		return nil, d.compute.Destroy(handle)
	case MsgExecuteJSCode:
		return d.handleExecuteOnContext(ctx, input)
	case MsgVerifyJSCode:
		if len(input) == 0 {
			return nil, types.ErrInvalidArgument
		}
		valid := d.compute.VerifyCode(gjson.GetBytes(input, "script").String()) == nil
		return json.Marshal(map[string]bool{"valid": valid})

	// ----- executor family ----------------------------------------------
	case MsgInitializeJSExecutor:
		handle, err := d.compute.InitializeExecutor()
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]uint64{"handle": handle})
	case MsgExecuteJSFunction:
		req, err := decodeExecutionRequest(input)
		if err != nil {
			return nil, err
		}
		result, err := d.compute.ExecuteFunction(ctx, req)
		if result != nil {
			return marshalResult(result, err)
		}
		return nil, err
	case MsgCollectJSGarbage:
		d.compute.CollectGarbage()
		return nil, nil
	case MsgShutdownJSExecutor:
		return nil, d.compute.ShutdownExecutor()

	// ----- secrets -------------------------------------------------------
	case MsgStoreSecret:
		if len(input) == 0 {
			return nil, types.ErrInvalidArgument
		}
		userID := gjson.GetBytes(input, "user_id").String()
		name := gjson.GetBytes(input, "name").String()
		value := gjson.GetBytes(input, "value").String()
		return nil, d.vault.Store(ctx, userID, name, []byte(value))
	case MsgGetSecret:
		if len(input) == 0 {
			return nil, types.ErrInvalidArgument
		}
		return d.vault.Get(ctx,
			gjson.GetBytes(input, "user_id").String(),
			gjson.GetBytes(input, "name").String())
	case MsgDeleteSecret:
		if len(input) == 0 {
			return nil, types.ErrInvalidArgument
		}
		deleted, err := d.vault.Delete(ctx,
			gjson.GetBytes(input, "user_id").String(),
			gjson.GetBytes(input, "name").String())
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"deleted": deleted})
	case MsgListSecrets:
		if len(input) == 0 {
			return nil, types.ErrInvalidArgument
		}
		names, err := d.vault.List(ctx, gjson.GetBytes(input, "user_id").String())
		if err != nil {
			return nil, err
		}
		return json.Marshal(names)

	// ----- randomness ----------------------------------------------------
	case MsgGenerateRandom:
		if len(input) == 0 {
			return nil, types.ErrInvalidArgument
		}
		size := gjson.GetBytes(input, "size").Int()
		if size <= 0 || size > maxRandomRequest {
			return nil, types.ErrInvalidArgument
		}
		return d.enclave.GenerateRandom(int(size))
	case MsgGenerateUUID:
		id, err := d.enclave.NewUUID()
		if err != nil {
			return nil, err
		}
		return []byte(id), nil

	// ----- attestation ---------------------------------------------------
	case MsgGenerateAttestation:
		return d.attestation.Generate()
	case MsgVerifyAttestation:
		return d.handleVerifyAttestation(input)

	// ----- compliance ----------------------------------------------------
	case MsgVerifyCompliance:
		return d.handleVerifyCompliance(input)

	// ----- persistent storage ---------------------------------------------
	case MsgInitializeStorage:
		if d.storage == nil {
			return nil, types.ErrInvalidArgument
		}
		return nil, nil
	case MsgStorePersistentData:
		return nil, d.handleStoreData(ctx, input)
	case MsgRetrievePersistent:
		return d.handleRetrieveData(ctx, input)
	case MsgDeletePersistentData:
		key, err := requiredDataKey(input)
		if err != nil {
			return nil, err
		}
		return nil, d.storageOrErr(func(s bridge.Storage) error {
			return s.Delete(ctx, dataKey(key))
		})
	case MsgCheckPersistentData:
		key, err := requiredDataKey(input)
		if err != nil {
			return nil, err
		}
		if d.storage == nil {
			return nil, types.ErrInvalidArgument
		}
		exists, err := d.storage.Exists(ctx, dataKey(key))
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"exists": exists})
	case MsgListPersistentData:
		if d.storage == nil {
			return nil, types.ErrInvalidArgument
		}
		prefix := ""
		if len(input) > 0 {
			prefix = gjson.GetBytes(input, "prefix").String()
		}
		keys, err := d.storage.List(ctx, dataKey(prefix))
		if err != nil {
			return nil, err
		}
		return json.Marshal(trimDataPrefix(keys))

	// ----- resource accounting --------------------------------------------
	case MsgGetGasBalance:
		userID, err := requiredUserID(input)
		if err != nil {
			return nil, err
		}
		balance, err := d.gasBank.Balance(ctx, userID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int64{"balance": balance})
	case MsgUpdateGasBalance:
		userID, err := requiredUserID(input)
		if err != nil {
			return nil, err
		}
		balance, err := d.gasBank.Update(ctx, userID, gjson.GetBytes(input, "delta").Int())
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int64{"balance": balance})
	case MsgGetGasUsage:
		userID, err := requiredUserID(input)
		if err != nil {
			return nil, err
		}
		used, err := d.gasBank.Usage(ctx, userID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]uint64{"used": used})
	}

	// Unknown message types are rejected, never silently ignored.
	d.log.WithField("message_type", uint32(msgType)).Warn("unknown boundary message")
	return nil, types.ErrInvalidArgument
}

// =============================================================================
// Handlers
// =============================================================================

func (d *Dispatcher) handleExecuteOnce(ctx context.Context, input []byte) ([]byte, error) {
	req, err := decodeExecutionRequest(input)
	if err != nil {
		return nil, err
	}

	handle := d.compute.Create()
	defer func() {
		if destroyErr := d.compute.Destroy(handle); destroyErr != nil {
			d.log.WithError(destroyErr).Warn("destroy ephemeral context")
		}
	}()

	result, err := d.compute.Execute(ctx, handle, req)
	if result != nil {
		return marshalResult(result, err)
	}
	return nil, err
}

func (d *Dispatcher) handleExecuteOnContext(ctx context.Context, input []byte) ([]byte, error) {
	handle, err := requiredHandle(input)
	if err != nil {
		return nil, err
	}
	req, err := decodeExecutionRequest(input)
	if err != nil {
		return nil, err
	}

	result, err := d.compute.Execute(ctx, handle, req)
	if result != nil {
		return marshalResult(result, err)
	}
	return nil, err
}

func (d *Dispatcher) handleVerifyAttestation(input []byte) ([]byte, error) {
	if len(input) == 0 {
		return nil, types.ErrInvalidArgument
	}

	evidenceB64 := gjson.GetBytes(input, "evidence").String()
	evidence, err := base64.StdEncoding.DecodeString(evidenceB64)
	if err != nil || len(evidence) == 0 {
		return nil, types.ErrInvalidArgument
	}

	var policy types.VerifyPolicy
	if raw := gjson.GetBytes(input, "policy"); raw.Exists() {
		if err := json.Unmarshal([]byte(raw.Raw), &policy); err != nil {
			return nil, types.ErrInvalidArgument
		}
	}

	valid := d.attestation.Verify(evidence, policy)
	return json.Marshal(map[string]bool{"valid": valid})
}

func (d *Dispatcher) handleVerifyCompliance(input []byte) ([]byte, error) {
	if len(input) == 0 {
		return nil, types.ErrInvalidArgument
	}

	var req struct {
		Document json.RawMessage   `json:"document"`
		Rules    []compliance.Rule `json:"rules"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, types.ErrInvalidArgument
	}

	result, err := d.compliance.Check(req.Document, req.Rules)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (d *Dispatcher) handleStoreData(ctx context.Context, input []byte) error {
	key, err := requiredDataKey(input)
	if err != nil {
		return err
	}
	valueB64 := gjson.GetBytes(input, "value").String()
	value, err := base64.StdEncoding.DecodeString(valueB64)
	if err != nil {
		return types.ErrInvalidArgument
	}

	sealed, err := d.enclave.Seal(value)
	if err != nil {
		return err
	}
	return d.storageOrErr(func(s bridge.Storage) error {
		return s.Put(ctx, dataKey(key), sealed)
	})
}

func (d *Dispatcher) handleRetrieveData(ctx context.Context, input []byte) ([]byte, error) {
	key, err := requiredDataKey(input)
	if err != nil {
		return nil, err
	}
	if d.storage == nil {
		return nil, types.ErrInvalidArgument
	}

	sealed, err := d.storage.Get(ctx, dataKey(key))
	if err != nil {
		return nil, err
	}
	return d.enclave.Unseal(sealed)
}

func (d *Dispatcher) storageOrErr(fn func(bridge.Storage) error) error {
	if d.storage == nil {
		return types.ErrInvalidArgument
	}
	return fn(d.storage)
}

// =============================================================================
// Payload decoding
// =============================================================================

func decodeExecutionRequest(input []byte) (types.ExecutionRequest, error) {
	var req types.ExecutionRequest
	if len(input) == 0 {
		return req, types.ErrInvalidArgument
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return req, types.ErrInvalidArgument
	}
	if req.Script == "" || req.UserID == "" {
		return req, types.ErrInvalidArgument
	}
	return req, nil
}

// marshalResult encodes an execution result while preserving the taxonomy
// error (a gas overrun still reports CodeResourceExceeded alongside the
// structured result it could not deliver).
func marshalResult(result *types.ExecutionResult, execErr error) ([]byte, error) {
	if execErr != nil {
		return nil, execErr
	}
	return json.Marshal(result)
}

func requiredHandle(input []byte) (uint64, error) {
	if len(input) == 0 {
		return 0, types.ErrInvalidArgument
	}
	handle := gjson.GetBytes(input, "handle")
	if !handle.Exists() || handle.Uint() == 0 {
		return 0, types.ErrInvalidArgument
	}
	return handle.Uint(), nil
}

func requiredUserID(input []byte) (string, error) {
	if len(input) == 0 {
		return "", types.ErrInvalidArgument
	}
	userID := gjson.GetBytes(input, "user_id").String()
	if userID == "" {
		return "", types.ErrInvalidArgument
	}
	return userID, nil
}

func requiredDataKey(input []byte) (string, error) {
	if len(input) == 0 {
		return "", types.ErrInvalidArgument
	}
	key := gjson.GetBytes(input, "key").String()
	if key == "" {
		return "", types.ErrInvalidArgument
	}
	return key, nil
}

func dataKey(key string) string {
	return "data/" + key
}

func trimDataPrefix(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if len(key) > len("data/") {
			out = append(out, key[len("data/"):])
		}
	}
	return out
}
