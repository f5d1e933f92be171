// Command wasm-instrument rewrites WebAssembly contract modules for
// metered execution: gas charging, stack height limiting, dead code
// pruning and memory helper externalization, individually or as the
// full pipeline.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	instrument "github.com/wippyai/wasm-instrument"
	"github.com/wippyai/wasm-instrument/externalize"
	"github.com/wippyai/wasm-instrument/gas"
	"github.com/wippyai/wasm-instrument/prune"
	"github.com/wippyai/wasm-instrument/stackheight"
)

var (
	flagOutput  string
	flagVerbose bool

	flagCosts        string
	flagUniformCost  uint32
	flagForbidFloats bool
	flagGrowCost     uint32
	flagChargeImport string

	flagLimit        uint32
	flagAbortImport  string
	flagExportHeight string

	flagRoots []string
)

func main() {
	root := &cobra.Command{
		Use:   "wasm-instrument",
		Short: "Instrument WebAssembly contract modules",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagVerbose {
				log, err := zap.NewDevelopment()
				if err == nil {
					instrument.SetLogger(log)
				}
			}
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flagOutput, "output", "o", "", "output file (default: overwrite input)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log pass details")

	root.AddCommand(gasCmd(), stackHeightCmd(), pruneCmd(), externalizeCmd(), buildCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func gasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gas <module.wasm>",
		Short: "Inject gas metering",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gasConfig()
			if err != nil {
				return err
			}
			return transform(args[0], instrument.GasPass(cfg))
		},
	}
	addGasFlags(cmd)
	return cmd
}

func addGasFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagCosts, "costs", "", "per-class cost overrides, e.g. add=2,mul=7")
	cmd.Flags().Uint32Var(&flagUniformCost, "uniform-cost", 1, "base cost for every instruction class")
	cmd.Flags().BoolVar(&flagForbidFloats, "forbid-floats", false, "reject modules with floating point instructions")
	cmd.Flags().Uint32Var(&flagGrowCost, "grow-cost", 0, "extra cost per page for memory.grow")
	cmd.Flags().StringVar(&flagChargeImport, "charge-import", "env.gas", "module.field of the charge import")
}

func gasConfig() (gas.Config, error) {
	table := gas.UniformTable(flagUniformCost)
	if flagCosts != "" {
		entries, err := gas.ParseEntries(flagCosts)
		if err != nil {
			return gas.Config{}, err
		}
		table = table.WithEntries(entries)
	}
	table.ForbidFloats = flagForbidFloats

	module, field, err := splitImportName(flagChargeImport)
	if err != nil {
		return gas.Config{}, err
	}
	return gas.Config{
		Table:        table,
		ChargeModule: module,
		ChargeField:  field,
		GrowCost:     flagGrowCost,
	}, nil
}

func stackHeightCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stack-height <module.wasm>",
		Short: "Enforce a stack height limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := stackHeightConfig()
			if err != nil {
				return err
			}
			return transform(args[0], instrument.StackHeightPass(cfg))
		},
	}
	addStackHeightFlags(cmd)
	return cmd
}

func addStackHeightFlags(cmd *cobra.Command) {
	cmd.Flags().Uint32Var(&flagLimit, "limit", 1024, "maximum combined frame contribution")
	cmd.Flags().StringVar(&flagAbortImport, "abort-import", "env.stack_overflow", "module.field of the abort import")
	cmd.Flags().StringVar(&flagExportHeight, "export-height", "", "export the height counter under this name")
}

func stackHeightConfig() (stackheight.Config, error) {
	module, field, err := splitImportName(flagAbortImport)
	if err != nil {
		return stackheight.Config{}, err
	}
	return stackheight.Config{
		Limit:        flagLimit,
		AbortModule:  module,
		AbortField:   field,
		ExportHeight: flagExportHeight,
	}, nil
}

func pruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune <module.wasm>",
		Short: "Remove unreachable code and compact indices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transform(args[0], instrument.PrunePass(prune.Config{Roots: flagRoots}))
		},
	}
	cmd.Flags().StringSliceVar(&flagRoots, "roots", nil, "export names to keep (default: all exports)")
	return cmd
}

func externalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "externalize <module.wasm>",
		Short: "Redirect bundled memory helpers to host imports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transform(args[0], instrument.ExternalizePass(externalize.Config{}))
		},
	}
}

func buildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build <module.wasm>",
		Short: "Run the full pipeline: externalize, prune, gas, stack-height",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gasCfg, err := gasConfig()
			if err != nil {
				return err
			}
			shCfg, err := stackHeightConfig()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			out, err := instrument.Build(data, instrument.BuildConfig{
				Gas:         gasCfg,
				StackHeight: shCfg,
				Prune:       prune.Config{Roots: flagRoots},
			})
			if err != nil {
				return err
			}
			return writeOutput(args[0], out)
		},
	}
	addGasFlags(cmd)
	addStackHeightFlags(cmd)
	cmd.Flags().StringSliceVar(&flagRoots, "roots", nil, "export names to keep (default: all exports)")
	return cmd
}

func transform(path string, pass instrument.Pass) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out, err := instrument.Chain(data, pass)
	if err != nil {
		return err
	}
	return writeOutput(path, out)
}

func writeOutput(inputPath string, data []byte) error {
	path := flagOutput
	if path == "" {
		path = inputPath
	}
	return os.WriteFile(path, data, 0o644)
}

func splitImportName(s string) (string, string, error) {
	module, field, ok := strings.Cut(s, ".")
	if !ok || module == "" || field == "" {
		return "", "", fmt.Errorf("invalid import name %q, want module.field", s)
	}
	return module, field, nil
}
