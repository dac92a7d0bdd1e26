package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/therapy-pipeline/internal/blob"
	"github.com/jonathan/therapy-pipeline/internal/logging"
	"github.com/jonathan/therapy-pipeline/internal/observability"
	"github.com/jonathan/therapy-pipeline/internal/pipeline"
	"github.com/jonathan/therapy-pipeline/internal/types"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run one pipeline in-process and wait for it to finish",
	Long: `Starts a pipeline run in this process, prints progress as stages complete and
prints the final run status.

Session input can be supplied from local JSON files ({"transcript": "...",
"research_query": "..."}); they are encrypted into the blob store before the run
starts. Without --input the run reads whatever is already stored.`,
	Example: `  therapy_agent trigger --kind solo_pre --client c-102 --input session.json
  therapy_agent trigger --kind pair_merge --pair p-7 --partners c-102,c-103 \
    --partner-input c-102=a.json,c-103=b.json`,
	RunE: runTrigger,
}

var (
	triggerKind          string
	triggerClient        string
	triggerPair          string
	triggerInput         string
	triggerPartners      []string
	triggerPartnerInputs map[string]string
)

func init() {
	triggerCmd.Flags().StringVarP(&triggerKind, "kind", "k", "", "Pipeline kind: solo_pre, solo_post or pair_merge (required)")
	triggerCmd.Flags().StringVarP(&triggerClient, "client", "c", "", "Client id for solo kinds")
	triggerCmd.Flags().StringVarP(&triggerPair, "pair", "p", "", "Pair link id for pair_merge")
	triggerCmd.Flags().StringVarP(&triggerInput, "input", "i", "", "Session input JSON file for the client")
	triggerCmd.Flags().StringSliceVar(&triggerPartners, "partners", nil, "Two client ids to register as the pair link before running")
	triggerCmd.Flags().StringToStringVar(&triggerPartnerInputs, "partner-input", nil, "Post-session input file per partner (client=path)")

	_ = triggerCmd.MarkFlagRequired("kind")
	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, _ []string) error {
	kind, err := types.ParsePipelineKind(triggerKind)
	if err != nil {
		return err
	}
	subject := types.SubjectRef{ClientID: triggerClient, PairID: triggerPair}
	if err := subject.ValidateFor(kind); err != nil {
		return err
	}

	cfg, logger, err := loadSettings()
	if err != nil {
		return err
	}
	defer logging.Sync(logger) //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := observability.NewPrinter(cmd.OutOrStdout())
	var printMu sync.Mutex
	onProgress := func(event pipeline.ProgressEvent) {
		printMu.Lock()
		defer printMu.Unlock()
		printer.PrintProgress(event)
	}

	rt, err := buildRuntime(ctx, cfg, logger, onProgress)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	if err := seedTrigger(ctx, rt, kind, subject); err != nil {
		return err
	}

	id, err := rt.runner.Start(ctx, kind, subject)
	if err != nil {
		return err
	}

	run, err := rt.runner.Wait(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted: ask the run to halt and report where it stopped
			_ = rt.runner.Cancel(context.Background(), id)
			run, err = rt.runner.Wait(context.Background(), id)
		}
		if err != nil {
			return err
		}
	}

	records, err := rt.runner.StageRecords(context.Background(), id)
	if err != nil {
		return err
	}

	printMu.Lock()
	printer.PrintRun(run)
	printer.PrintStageRecords(records)
	printMu.Unlock()

	if run.Status == types.RunFailed {
		return fmt.Errorf("run %s failed", id)
	}
	return nil
}

// seedTrigger registers the pair link and stores the local input files
func seedTrigger(ctx context.Context, rt *runtime, kind types.PipelineKind, subject types.SubjectRef) error {
	if len(triggerPartners) > 0 {
		if !kind.Paired() {
			return errors.New("--partners only applies to pair_merge")
		}
		if len(triggerPartners) != 2 {
			return errors.New("--partners takes exactly two client ids")
		}
		link := &types.PairLink{
			ID:       subject.PairID,
			PartnerA: strings.TrimSpace(triggerPartners[0]),
			PartnerB: strings.TrimSpace(triggerPartners[1]),
			Active:   true,
		}
		if err := rt.storage.links.UpsertPairLink(ctx, link); err != nil {
			return fmt.Errorf("failed to register pair link: %w", err)
		}
	}

	if triggerInput != "" {
		if kind.Paired() {
			return errors.New("--input applies to solo kinds; use --partner-input for pair_merge")
		}
		if err := seedInput(ctx, rt.blobs, inputKey(kind, subject.ClientID), triggerInput); err != nil {
			return err
		}
	}

	for clientID, path := range triggerPartnerInputs {
		if !kind.Paired() {
			return errors.New("--partner-input only applies to pair_merge")
		}
		if err := seedInput(ctx, rt.blobs, blob.PostSessionKey(clientID), path); err != nil {
			return err
		}
	}
	return nil
}

func inputKey(kind types.PipelineKind, clientID string) string {
	if kind == types.KindSoloPre {
		return blob.PreSessionKey(clientID)
	}
	return blob.PostSessionKey(clientID)
}

// seedInput validates a session input file and writes it to key
func seedInput(ctx context.Context, store blob.Store, key, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}

	var in types.SessionInput
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return fmt.Errorf("failed to parse input file %s: %w", path, err)
	}
	if strings.TrimSpace(in.Transcript) == "" {
		return fmt.Errorf("input file %s has an empty transcript", path)
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, payload)
}
