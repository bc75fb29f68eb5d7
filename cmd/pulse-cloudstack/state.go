package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rcourtman/pulse-cloudstack/internal/checkpoint"
	"github.com/rcourtman/pulse-cloudstack/internal/config"
	"github.com/rcourtman/pulse-cloudstack/internal/logging"
	"github.com/spf13/cobra"
)

var (
	legacyDir string
	legacyTag string
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or import poller state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the persisted checkpoint and usage baseline as JSON",
	Args:  cobra.NoArgs,
	RunE:  runStateShow,
}

var stateImportLegacyCmd = &cobra.Command{
	Use:   "import-legacy",
	Short: "Import before_events/before_usages YAML files from the fluentd plugin",
	Long: `Import the checkpoint and usage baseline written by the fluentd CloudStack
input plugin. The import only runs when the configured store has no state
for the tag yet.`,
	Args: cobra.NoArgs,
	RunE: runStateImportLegacy,
}

func init() {
	stateImportLegacyCmd.Flags().StringVar(&legacyDir, "dir", "", "directory holding the legacy YAML files (default: state directory)")
	stateImportLegacyCmd.Flags().StringVar(&legacyTag, "tag", "", "tag the legacy files were written for (default: configured tag)")

	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateImportLegacyCmd)
}

type stateView struct {
	Namespace        string              `json:"namespace"`
	Store            string              `json:"store"`
	Reference        *time.Time          `json:"reference,omitempty"`
	CheckpointEvents int                 `json:"checkpoint_events"`
	SavedAt          *time.Time          `json:"saved_at,omitempty"`
	Baseline         checkpoint.Baseline `json:"baseline"`
}

func openStateStore() (*config.Config, checkpoint.Store, error) {
	cfg, err := loadConfig(config.LoadState)
	if err != nil {
		return nil, nil, err
	}
	store, err := checkpoint.Open(cfg.StateBackend, cfg.StateDir, cfg.Namespace())
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func runStateShow(cmd *cobra.Command, _ []string) error {
	_, store, err := openStateStore()
	if err != nil {
		return err
	}
	defer logging.Shutdown()
	defer store.Close()

	ctx := cmd.Context()
	cp, err := store.LoadCheckpoint(ctx)
	if err != nil {
		return err
	}
	baseline, err := store.LoadBaseline(ctx)
	if err != nil {
		return err
	}

	view := stateView{
		Namespace: store.Namespace(),
		Store:     checkpoint.Describe(store),
		Baseline:  baseline,
	}
	if view.Baseline == nil {
		view.Baseline = checkpoint.Baseline{}
	}
	if cp != nil {
		view.CheckpointEvents = len(cp.Events)
		savedAt := cp.SavedAt
		view.SavedAt = &savedAt
		if ref, err := cp.ReferenceInstant(); err == nil {
			view.Reference = &ref
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func runStateImportLegacy(cmd *cobra.Command, _ []string) error {
	cfg, store, err := openStateStore()
	if err != nil {
		return err
	}
	defer logging.Shutdown()
	defer store.Close()

	dir := legacyDir
	if dir == "" {
		dir = cfg.StateDir
	}
	tag := legacyTag
	if tag == "" {
		tag = cfg.Tag
	}

	res, err := checkpoint.ImportLegacy(cmd.Context(), store, dir, tag, time.Now())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !res.ImportedAny {
		fmt.Fprintf(out, "No legacy state found for tag %q in %s\n", tag, dir)
		return nil
	}
	events := 0
	if res.Checkpoint != nil {
		events = len(res.Checkpoint.Events)
	}
	fmt.Fprintf(out, "Imported %d checkpoint events and %d usage counters into %s\n",
		events, len(res.Baseline), checkpoint.Describe(store))
	return nil
}
