package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/therapy-pipeline/internal/matching"
	"github.com/jonathan/therapy-pipeline/internal/vocabulary"
)

var vocabCmd = &cobra.Command{
	Use:   "vocab",
	Short: "Inspect and validate the whitelist vocabulary",
}

var vocabValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a vocabulary file and, optionally, a compatibility table against it",
	Long: `Loads a vocabulary YAML file and checks that every token is atomic
(category:value), unique and grouped under a known kind. With --compat the
compatibility table is loaded and every token it references must be in the
vocabulary.`,
	RunE: runVocabValidate,
}

var (
	vocabFile   string
	vocabCompat string
)

func init() {
	vocabValidateCmd.Flags().StringVarP(&vocabFile, "file", "f", "", "Vocabulary YAML file (required)")
	vocabValidateCmd.Flags().StringVar(&vocabCompat, "compat", "", "Compatibility table YAML file to check against the vocabulary")
	_ = vocabValidateCmd.MarkFlagRequired("file")

	vocabCmd.AddCommand(vocabValidateCmd)
	rootCmd.AddCommand(vocabCmd)
}

func runVocabValidate(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	vocab, err := vocabulary.Load(vocabFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Vocabulary %s: %d tokens\n", vocab.Version(), vocab.Len())
	for _, kind := range []vocabulary.Kind{
		vocabulary.KindFramework,
		vocabulary.KindPattern,
		vocabulary.KindTheme,
		vocabulary.KindModality,
	} {
		fmt.Fprintf(out, "  %-10s %d\n", kind, len(vocab.TokensOfKind(kind)))
	}

	if vocabCompat == "" {
		return nil
	}
	table, err := matching.LoadTable(vocabCompat)
	if err != nil {
		return err
	}
	if err := table.CheckAgainst(vocab); err != nil {
		return err
	}
	fmt.Fprintf(out, "Compatibility table %s: %d rules, all tokens in vocabulary\n", table.Version(), len(table.Rules()))
	return nil
}
