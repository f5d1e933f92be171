// Package instrument rewrites WebAssembly contract modules for metered
// execution. It combines four passes: externalizing bundled memory
// helpers to host imports, pruning unreachable code, injecting gas
// metering, and enforcing a static stack height limit.
//
// Each pass edits a wasm.Module in place and the pipeline validates
// index invariants after every step, so a defective rewrite surfaces
// immediately instead of producing a module that fails far away in a
// runtime. The conventional full pipeline is Build; individual passes
// compose through Chain.
package instrument

import (
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-instrument/errors"
	"github.com/wippyai/wasm-instrument/externalize"
	"github.com/wippyai/wasm-instrument/gas"
	"github.com/wippyai/wasm-instrument/prune"
	"github.com/wippyai/wasm-instrument/stackheight"
	"github.com/wippyai/wasm-instrument/wasm"
)

// Pass is one module-to-module rewrite step.
type Pass interface {
	Name() string
	Run(m *wasm.Module) error
}

// Chain runs passes in order over a module decoded from data and encodes
// the result. After each pass the module's index invariants are checked;
// a violation there is a defect in the pass, not in the input. The first
// failure aborts and nothing of the partial rewrite escapes.
func Chain(data []byte, passes ...Pass) ([]byte, error) {
	log := Logger()

	m, err := wasm.ParseModule(data)
	if err != nil {
		return nil, errors.Decode("module does not parse", err)
	}

	for _, p := range passes {
		start := time.Now()
		if err := p.Run(m); err != nil {
			return nil, errors.Wrap(errors.PhasePipeline, errors.KindInvalidData, err, "pass "+p.Name()+" failed")
		}
		if err := wasm.ValidateModule(m); err != nil {
			return nil, errors.Wrap(errors.PhasePipeline, errors.KindInvalidIndex, err,
				"pass "+p.Name()+" produced an invalid module")
		}
		log.Debug("pass complete",
			zap.String("pass", p.Name()),
			zap.Duration("took", time.Since(start)))
	}

	return wasm.EncodeModule(m), nil
}

// BuildConfig bundles the full pipeline configuration.
type BuildConfig struct {
	Gas         gas.Config
	StackHeight stackheight.Config
	Prune       prune.Config
	Externalize externalize.Config

	// SkipExternalize and SkipPrune drop the respective steps for
	// callers that only want metering.
	SkipExternalize bool
	SkipPrune       bool
}

// Build runs the conventional pipeline: externalize, prune, gas,
// stackheight. Metering comes last so charges and stack accounting cover
// exactly the code that ships.
func Build(data []byte, cfg BuildConfig) ([]byte, error) {
	var passes []Pass
	if !cfg.SkipExternalize {
		passes = append(passes, ExternalizePass(cfg.Externalize))
	}
	if !cfg.SkipPrune {
		passes = append(passes, PrunePass(cfg.Prune))
	}
	passes = append(passes, GasPass(cfg.Gas), StackHeightPass(cfg.StackHeight))
	return Chain(data, passes...)
}

type passFunc struct {
	run  func(*wasm.Module) error
	name string
}

func (p passFunc) Name() string             { return p.name }
func (p passFunc) Run(m *wasm.Module) error { return p.run(m) }

// GasPass wraps gas metering injection as a Pass.
func GasPass(cfg gas.Config) Pass {
	return passFunc{name: "gas", run: func(m *wasm.Module) error {
		return gas.Inject(m, cfg, Logger())
	}}
}

// StackHeightPass wraps stack height limiting as a Pass.
func StackHeightPass(cfg stackheight.Config) Pass {
	return passFunc{name: "stackheight", run: func(m *wasm.Module) error {
		_, err := stackheight.Limit(m, cfg, Logger())
		return err
	}}
}

// PrunePass wraps dead code pruning as a Pass.
func PrunePass(cfg prune.Config) Pass {
	return passFunc{name: "prune", run: func(m *wasm.Module) error {
		_, err := prune.Prune(m, cfg, Logger())
		return err
	}}
}

// ExternalizePass wraps import externalization as a Pass.
func ExternalizePass(cfg externalize.Config) Pass {
	return passFunc{name: "externalize", run: func(m *wasm.Module) error {
		_, err := externalize.Externalize(m, cfg, Logger())
		return err
	}}
}
