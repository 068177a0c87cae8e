// Package dispatch decodes boundary messages from the host, routes them to
// runtime components, and encodes results back across the trust boundary
// with stable numeric result codes. No exception and no descriptive error
// text ever crosses this seam.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/R3E-Network/enclave-runtime/types"
)

// MessageType identifies one boundary operation. Values are stable for the
// life of the protocol: never renumbered, only appended, so an old host
// talking to a newer runtime fails closed instead of misinterpreting a call.
type MessageType uint32

const (
	// Lifecycle
	MsgInitialize MessageType = 1
	MsgCleanup    MessageType = 2
	MsgGetStatus  MessageType = 3

	// Script execution
	MsgExecuteJS        MessageType = 10
	MsgCreateJSContext  MessageType = 11
	MsgDestroyJSContext MessageType = 12
	MsgExecuteJSCode    MessageType = 13
	MsgVerifyJSCode     MessageType = 14

	// Script execution, executor family
	MsgInitializeJSExecutor MessageType = 15
	MsgExecuteJSFunction    MessageType = 16
	MsgCollectJSGarbage     MessageType = 17
	MsgShutdownJSExecutor   MessageType = 18

	// Secrets
	MsgStoreSecret  MessageType = 20
	MsgGetSecret    MessageType = 21
	MsgDeleteSecret MessageType = 22
	MsgListSecrets  MessageType = 23

	// Randomness
	MsgGenerateRandom MessageType = 30
	MsgGenerateUUID   MessageType = 31

	// Attestation
	MsgGenerateAttestation MessageType = 40
	MsgVerifyAttestation   MessageType = 41

	// Compliance
	MsgVerifyCompliance MessageType = 50

	// Persistent storage
	MsgInitializeStorage    MessageType = 60
	MsgStorePersistentData  MessageType = 61
	MsgRetrievePersistent   MessageType = 62
	MsgDeletePersistentData MessageType = 63
	MsgCheckPersistentData  MessageType = 64
	MsgListPersistentData   MessageType = 65

	// Resource accounting
	MsgGetGasBalance    MessageType = 70
	MsgUpdateGasBalance MessageType = 71
	MsgGetGasUsage      MessageType = 72
)

// String returns the catalog name of the message type.
func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
}

var messageNames = map[MessageType]string{
	MsgInitialize:           "INITIALIZE",
	MsgCleanup:              "CLEANUP",
	MsgGetStatus:            "GET_STATUS",
	MsgExecuteJS:            "EXECUTE_JS",
	MsgCreateJSContext:      "CREATE_JS_CONTEXT",
	MsgDestroyJSContext:     "DESTROY_JS_CONTEXT",
	MsgExecuteJSCode:        "EXECUTE_JS_CODE",
	MsgVerifyJSCode:         "VERIFY_JS_CODE",
	MsgInitializeJSExecutor: "INITIALIZE_JS_EXECUTOR",
	MsgExecuteJSFunction:    "EXECUTE_JS_FUNCTION",
	MsgCollectJSGarbage:     "COLLECT_JS_GARBAGE",
	MsgShutdownJSExecutor:   "SHUTDOWN_JS_EXECUTOR",
	MsgStoreSecret:          "STORE_SECRET",
	MsgGetSecret:            "GET_SECRET",
	MsgDeleteSecret:         "DELETE_SECRET",
	MsgListSecrets:          "LIST_SECRETS",
	MsgGenerateRandom:       "GENERATE_RANDOM",
	MsgGenerateUUID:         "GENERATE_UUID",
	MsgGenerateAttestation:  "GENERATE_ATTESTATION",
	MsgVerifyAttestation:    "VERIFY_ATTESTATION",
	MsgVerifyCompliance:     "VERIFY_COMPLIANCE",
	MsgInitializeStorage:    "INITIALIZE_STORAGE",
	MsgStorePersistentData:  "STORE_PERSISTENT_DATA",
	MsgRetrievePersistent:   "RETRIEVE_PERSISTENT_DATA",
	MsgDeletePersistentData: "DELETE_PERSISTENT_DATA",
	MsgCheckPersistentData:  "CHECK_PERSISTENT_DATA",
	MsgListPersistentData:   "LIST_PERSISTENT_DATA",
	MsgGetGasBalance:        "GET_GAS_BALANCE",
	MsgUpdateGasBalance:     "UPDATE_GAS_BALANCE",
	MsgGetGasUsage:          "GET_GAS_USAGE",
}

// Code is the stable numeric result code returned to the host. The host
// receives only a code and, for BufferTooSmall, a size hint; descriptive
// error text stays inside the runtime.
type Code int32

const (
	CodeOK               Code = 0
	CodeInvalidArgument  Code = -1
	CodeBufferTooSmall   Code = -2
	CodeNotFound         Code = -3
	CodeIdentityMismatch Code = -4
	CodeResourceExceeded Code = -5
	CodeInternal         Code = -6
)

// String returns the code name.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case CodeBufferTooSmall:
		return "BUFFER_TOO_SMALL"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeIdentityMismatch:
		return "IDENTITY_MISMATCH"
	case CodeResourceExceeded:
		return "RESOURCE_EXCEEDED"
	case CodeInternal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("CODE(%d)", int32(c))
	}
}

// codeFor translates internal errors into the boundary taxonomy. Anything
// unrecognized collapses to CodeInternal.
func codeFor(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, types.ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, types.ErrBufferTooSmall):
		return CodeBufferTooSmall
	case errors.Is(err, types.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, types.ErrIdentityMismatch):
		return CodeIdentityMismatch
	case errors.Is(err, types.ErrResourceExceeded):
		return CodeResourceExceeded
	case errors.Is(err, types.ErrRuntimeNotReady):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}
