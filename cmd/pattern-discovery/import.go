package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/trialmatch/pkg/common/database"
	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/common/models"
	"github.com/synaptica-ai/trialmatch/pkg/eligibility"
	"github.com/synaptica-ai/trialmatch/pkg/patients"
)

var importBatch int

var importPatientsCmd = &cobra.Command{
	Use:   "import-patients [dir]",
	Short: "Load FHIR patient bundles into the patient store",
	Long: `Reads every *.json FHIR Bundle in dir and upserts one patient record per
bundle. Embeddings are filled on the next discovery run.`,
	Args: cobra.ExactArgs(1),
	RunE: runImportPatients,
}

var registerTrialCmd = &cobra.Command{
	Use:   "register-trial [file]",
	Short: "Register a trial's eligibility text and optional coded criteria",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegisterTrial,
}

func init() {
	importPatientsCmd.Flags().IntVar(&importBatch, "batch", 200, "records per upsert")
	rootCmd.AddCommand(importPatientsCmd)
	rootCmd.AddCommand(registerTrialCmd)
}

// readBundles parses the bundles in dir in file name order. Files that are not
// valid bundles are reported together rather than stopping the import.
func readBundles(dir string, asOf time.Time) ([]models.PatientRecord, []error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, []error{err}
	}
	sort.Strings(paths)

	var records []models.PatientRecord
	var errs []error
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		bundle, err := patients.ParseBundle(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		record, err := patients.FromBundle(bundle, asOf)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		records = append(records, record)
	}
	return records, errs
}

func runImportPatients(cmd *cobra.Command, args []string) error {
	records, errs := readBundles(args[0], time.Now().UTC())
	for _, err := range errs {
		logger.Log.WithError(err).Warn("Skipping bundle")
	}
	if len(records) == 0 {
		return fmt.Errorf("no patient bundles found in %s", args[0])
	}

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.ClosePostgres()
	repo := patients.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate patients: %w", err)
	}

	ctx := context.Background()
	if importBatch <= 0 {
		importBatch = len(records)
	}
	for start := 0; start < len(records); start += importBatch {
		end := start + importBatch
		if end > len(records) {
			end = len(records)
		}
		if err := repo.Upsert(ctx, records[start:end]); err != nil {
			return fmt.Errorf("upsert patients %d-%d: %w", start, end, err)
		}
	}
	cmd.Printf("imported %d patients (%d skipped)\n", len(records), len(errs))
	return nil
}

// trialFile is the on-disk form of a registered trial.
type trialFile struct {
	models.TrialText
	Criteria *models.TrialCriteria `json:"criteria,omitempty"`
}

func readTrialFile(path string) (eligibility.Trial, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return eligibility.Trial{}, err
	}
	var file trialFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return eligibility.Trial{}, fmt.Errorf("decode trial file: %w", err)
	}
	file.TrialID = strings.TrimSpace(file.TrialID)
	if err := eligibility.ValidateTrialID(file.TrialID); err != nil {
		return eligibility.Trial{}, err
	}
	if file.Criteria != nil {
		file.Criteria.TrialID = file.TrialID
	}
	return eligibility.Trial{Text: file.TrialText, Criteria: file.Criteria}, nil
}

func runRegisterTrial(cmd *cobra.Command, args []string) error {
	trial, err := readTrialFile(args[0])
	if err != nil {
		return err
	}
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.ClosePostgres()
	repo := eligibility.NewTrialRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate trials: %w", err)
	}
	if err := repo.Save(context.Background(), trial); err != nil {
		return fmt.Errorf("save trial: %w", err)
	}
	cmd.Printf("registered %s\n", trial.Text.TrialID)
	return nil
}
