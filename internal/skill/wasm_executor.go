package skill

import (
	"context"
	"sync"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/cortex-grid/internal/grid"
)

// WasmExecutor runs a skill compiled to a WASM module exporting a "main"
// function taking and returning bytes. One module is compiled once and
// instantiated per Execute call, since wasmer instances are not safe for
// concurrent reentry.
type WasmExecutor struct {
	engine *wasmer.Engine
	store  *wasmer.Store
	module *wasmer.Module

	mu sync.Mutex
}

// NewWasmExecutor compiles wasmBytes once up front.
func NewWasmExecutor(wasmBytes []byte) (*WasmExecutor, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, grid.Delegation("compile wasm module", err)
	}
	return &WasmExecutor{engine: engine, store: store, module: module}, nil
}

func (w *WasmExecutor) Execute(_ context.Context, _ string, input []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	instance, err := wasmer.NewInstance(w.module, wasmer.NewImportObject())
	if err != nil {
		return nil, grid.Delegation("instantiate wasm module", err)
	}
	defer instance.Close()

	mainFunc, err := instance.Exports.GetFunction("main")
	if err != nil {
		return nil, grid.Delegation("wasm module has no main export", err)
	}
	result, err := mainFunc(input)
	if err != nil {
		return nil, grid.Delegation("wasm execution failed", err)
	}
	if out, ok := result.([]byte); ok {
		return out, nil
	}
	return nil, nil
}
