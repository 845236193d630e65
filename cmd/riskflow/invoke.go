package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/riskflow/riskflow/pkg/defaults/metrics"
	"github.com/riskflow/riskflow/pkg/engine"
)

var (
	invokeModelID   int
	invokeReprocess bool
)

var invokeCmd = &cobra.Command{
	Use:   "invoke [payload-file]",
	Short: "Run one transaction through the pipeline",
	Long: `Evaluate a single JSON payload against a model and print the
response document. Reads from stdin when no file is given.

Examples:
  riskflow invoke --model 1 txn.json
  cat txn.json | riskflow invoke --model 1
  riskflow invoke --model 1 --reprocess txn.json   # no archival side effects`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInvoke,
}

func init() {
	invokeCmd.Flags().IntVarP(&invokeModelID, "model", "m", 0, "Model id to evaluate against (required)")
	invokeCmd.Flags().BoolVar(&invokeReprocess, "reprocess", false, "Re-run a prior transaction")
	invokeCmd.MarkFlagRequired("model")

	rootCmd.AddCommand(invokeCmd)
}

func runInvoke(cmd *cobra.Command, args []string) error {
	cfg := configManager.Get()
	logger := newLogger()

	var data []byte
	var err error
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	store, err := newStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("cache backend: %w", err)
	}
	defer store.Close()

	publisher, err := newPublisher(cfg)
	if err != nil {
		return fmt.Errorf("messaging: %w", err)
	}
	defer publisher.Close()

	registry, err := newRegistry(cfg, newLibrary(), logger)
	if err != nil {
		return fmt.Errorf("model registry: %w", err)
	}
	defer registry.Close()

	eng := engine.New(store, registry, publisher, metrics.NewNoopMetrics(), nil, logger, engineOptions(cfg))

	_, body, err := eng.Invoke(cmd.Context(), invokeModelID, doc, invokeReprocess)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, string(body))
	return nil
}
