package compute

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/R3E-Network/enclave-runtime/types"
)

// Gas schedule. Costs are deterministic functions of the work performed, so
// the same script with the same input always burns the same amount.
const (
	gasBase          = 100
	gasPerScriptByte = 1
	gasPerInputByte  = 1
	gasPerOutputByte = 1
	gasConsoleLog    = 10
	gasSha256        = 30
	gasRandomCall    = 50
	gasPerRandomByte = 4
	gasSecretAccess  = 20
)

// maxRandomBytes bounds one crypto.randomBytes call from script code.
const maxRandomBytes = 1024

var errGasExhausted = errors.New("gas budget exhausted")

// gasMeter tracks deterministic execution cost against a budget. Enforcement
// is cooperative: every charge point checks the budget and interrupts the VM
// on overrun.
type gasMeter struct {
	used  uint64
	limit uint64
	vm    *goja.Runtime
}

// charge burns units and interrupts the VM when the budget is exhausted.
// Returns false on overrun.
func (g *gasMeter) charge(units uint64) bool {
	g.used += units
	if g.used > g.limit {
		if g.vm != nil {
			g.vm.Interrupt(errGasExhausted)
		}
		return false
	}
	return true
}

type scriptJob struct {
	script     string
	entryPoint string
	input      map[string]any
	secrets    map[string][]byte
	gasLimit   uint64
	timeout    time.Duration
}

// runScript executes one script in a fresh VM. Script throws and budget
// overruns land in the structured result; the runtime process never crashes
// on script behavior.
func runScript(ctx context.Context, job scriptJob) *types.ExecutionResult {
	result := &types.ExecutionResult{Status: types.ExecutionFailed}

	inputJSON, err := json.Marshal(job.input)
	if err != nil {
		result.Error = "input not serializable"
		return result
	}

	meter := &gasMeter{limit: job.gasLimit}
	if !meter.charge(gasBase + uint64(len(job.script))*gasPerScriptByte + uint64(len(inputJSON))*gasPerInputByte) {
		result.Status = types.ExecutionOverGas
		result.Error = errGasExhausted.Error()
		result.GasUsed = meter.used
		return result
	}

	vm := goja.New()
	meter.vm = vm

	// Wall-clock backstop on top of the gas ceiling. The host cannot cancel
	// a running script, so the interrupt is armed before execution starts.
	timeout := job.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(timeout):
			vm.Interrupt("execution timeout")
		case <-done:
		}
	}()
	defer close(done)

	var logs []string
	if err := installGlobals(vm, meter, job, inputJSON, &logs); err != nil {
		result.Error = "runtime setup failed"
		result.GasUsed = meter.used
		return result
	}

	value, runErr := evaluate(vm, job)
	result.Logs = logs
	result.GasUsed = meter.used

	if runErr != nil {
		var interrupted *goja.InterruptedError
		if errors.As(runErr, &interrupted) {
			if exhausted, ok := interrupted.Value().(error); ok && errors.Is(exhausted, errGasExhausted) {
				result.Status = types.ExecutionOverGas
				result.Error = errGasExhausted.Error()
				return result
			}
			result.Error = "execution timeout"
			return result
		}
		result.Error = scriptError(runErr)
		return result
	}

	encoded, err := encodeResult(value)
	if err != nil {
		result.Error = "result not serializable"
		return result
	}

	if !meter.charge(uint64(len(encoded)) * gasPerOutputByte) {
		result.Status = types.ExecutionOverGas
		result.Error = errGasExhausted.Error()
		result.GasUsed = meter.used
		return result
	}

	result.Status = types.ExecutionSucceeded
	result.Result = encoded
	result.GasUsed = meter.used
	return result
}

// installGlobals wires input, secrets, console, and crypto into the VM.
func installGlobals(vm *goja.Runtime, meter *gasMeter, job scriptJob, inputJSON []byte, logs *[]string) error {
	var input map[string]any
	if err := json.Unmarshal(inputJSON, &input); err != nil {
		return err
	}
	if input == nil {
		input = map[string]any{}
	}
	if err := vm.Set("input", input); err != nil {
		return err
	}

	secretsObj := vm.NewObject()
	for name, value := range job.secrets {
		name, value := name, value
		if err := secretsObj.DefineAccessorProperty(name, vm.ToValue(func(goja.FunctionCall) goja.Value {
			meter.charge(gasSecretAccess)
			return vm.ToValue(string(value))
		}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return err
		}
	}
	if err := vm.Set("secrets", secretsObj); err != nil {
		return err
	}

	console := vm.NewObject()
	if err := console.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		line := fmt.Sprint(args...)
		meter.charge(gasConsoleLog + uint64(len(line)))
		*logs = append(*logs, line)
		return goja.Undefined()
	}); err != nil {
		return err
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	cryptoObj := vm.NewObject()
	if err := cryptoObj.Set("sha256", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		data := call.Arguments[0].String()
		meter.charge(gasSha256 + uint64(len(data)))
		sum := sha256.Sum256([]byte(data))
		return vm.ToValue(hex.EncodeToString(sum[:]))
	}); err != nil {
		return err
	}
	if err := cryptoObj.Set("randomBytes", func(call goja.FunctionCall) goja.Value {
		n := 32
		if len(call.Arguments) > 0 {
			n = int(call.Arguments[0].ToInteger())
		}
		if n <= 0 || n > maxRandomBytes {
			n = maxRandomBytes
		}
		meter.charge(gasRandomCall + uint64(n)*gasPerRandomByte)
		buf, err := randomBytes(n)
		if err != nil {
			return goja.Undefined()
		}
		return vm.ToValue(hex.EncodeToString(buf))
	}); err != nil {
		return err
	}
	return vm.Set("crypto", cryptoObj)
}

// evaluate runs the script and, when set, calls the entry-point function.
func evaluate(vm *goja.Runtime, job scriptJob) (goja.Value, error) {
	value, err := vm.RunString(job.script)
	if err != nil {
		return nil, err
	}

	if job.entryPoint == "" {
		return value, nil
	}

	entryFn, ok := goja.AssertFunction(vm.Get(job.entryPoint))
	if !ok {
		return nil, fmt.Errorf("entry point %q is not a function", job.entryPoint)
	}
	return entryFn(goja.Undefined())
}

// encodeResult converts the final VM value to a JSON result string.
func encodeResult(value goja.Value) (string, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return "null", nil
	}
	encoded, err := json.Marshal(value.Export())
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// scriptError renders a script failure for the structured result. Goja
// exception text originates from untrusted script code, which already sees
// its own values; nothing runtime-internal is exposed.
func scriptError(err error) string {
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return exception.String()
	}
	return err.Error()
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// compileCheck parses a script without running it.
func compileCheck(script string) error {
	if _, err := goja.Compile("script.js", script, false); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidArgument, err)
	}
	return nil
}
