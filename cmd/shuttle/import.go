package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arkfield/shuttle/internal/engine"
	"github.com/arkfield/shuttle/internal/importer"
)

var (
	importMode        string
	importBatchSize   int
	importContinue    bool
	importSkipMissing bool
)

var importCmd = &cobra.Command{
	Use:   "import <archive.zip>",
	Short: "Write an archive's records into the organization in dependency order",
	Long: `Import checks the archive's fields against the target, writes entities
tier by tier so references land before the records that need them, patches
deferred references, and recreates many-to-many links.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("mode") {
			runCfg.Import.Mode = importMode
		}
		if cmd.Flags().Changed("batch-size") {
			runCfg.Bulk.BatchSize = importBatchSize
		}
		if cmd.Flags().Changed("continue-on-error") {
			runCfg.Bulk.ContinueOnError = importContinue
		}
		if cmd.Flags().Changed("skip-missing-columns") {
			runCfg.Import.SkipMissingColumns = importSkipMissing
		}

		sources, err := buildSources(runCfg.Sources)
		if err != nil {
			return err
		}
		eng, err := engine.New(runCfg, sources, buildReporter())
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, stop := runContext()
		defer stop()

		res, err := eng.Import(ctx, args[0])
		if res != nil && jsonOutput {
			outputJSON(importSummary(res))
		}
		if err != nil {
			return err
		}
		if !res.Success() {
			fmt.Fprintf(os.Stderr, "import finished with %d record failures\n", res.FailureCount())
			exitCode = 2
		}
		return nil
	},
}

type phaseView struct {
	Phase    string `json:"phase"`
	Success  bool   `json:"success"`
	Records  int    `json:"records"`
	Failed   int    `json:"failed,omitempty"`
	Duration string `json:"duration"`
}

type importResultView struct {
	Imported int         `json:"imported"`
	Failed   int         `json:"failed"`
	Phases   []phaseView `json:"phases"`
	Duration string      `json:"duration"`
}

func importSummary(res *importer.Result) importResultView {
	view := importResultView{
		Imported: res.IDMap.Size(),
		Failed:   res.FailureCount(),
		Duration: formatElapsed(res.Duration),
	}
	for _, p := range res.Phases {
		view.Phases = append(view.Phases, phaseView{
			Phase:    p.Phase,
			Success:  p.Success,
			Records:  p.Processed,
			Failed:   p.FailureCount,
			Duration: formatElapsed(p.Duration),
		})
	}
	return view
}

func init() {
	importCmd.Flags().StringVar(&importMode, "mode", "", "Write mode: create, update, or upsert")
	importCmd.Flags().IntVar(&importBatchSize, "batch-size", 0, "Records per bulk request")
	importCmd.Flags().BoolVar(&importContinue, "continue-on-error", false, "Keep going after a tier with record failures")
	importCmd.Flags().BoolVar(&importSkipMissing, "skip-missing-columns", false, "Drop archive fields the target does not have")
	rootCmd.AddCommand(importCmd)
}
