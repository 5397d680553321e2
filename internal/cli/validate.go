package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stokehq/stoke/internal/loadspec"
	"github.com/stokehq/stoke/internal/report"
)

var validateCmd = &cobra.Command{
	Use:   "validate <spec.yaml> [spec.yaml...]",
	Short: "Validate load-test spec files without running them",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(validateSpecs(cmd, args))
	},
}

func init() {
	validateCmd.Flags().Bool("no-color", false, "Disable colored output")
}

func validateSpecs(cmd *cobra.Command, args []string) int {
	noColor, _ := cmd.Flags().GetBool("no-color")

	validator, err := loadspec.NewSchemaValidator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	exitCode := 0
	for _, path := range args {
		spec, err := loadspec.LoadSpec(path)
		if err != nil {
			fmt.Printf("%s %s: %v\n", report.ErrorIcon(noColor), path, err)
			exitCode = 1
			continue
		}

		result, err := validator.ValidateSpec(context.Background(), spec)
		if err != nil {
			fmt.Printf("%s %s: %v\n", report.ErrorIcon(noColor), path, err)
			exitCode = 1
			continue
		}

		if result.IsValid {
			fmt.Printf("%s %s (%s)\n", report.SuccessIcon(noColor), path, spec.Name)
			continue
		}

		fmt.Printf("%s %s:\n", report.ErrorIcon(noColor), path)
		for _, e := range result.Errors {
			fmt.Printf("    %s\n", e)
		}
		exitCode = 1
	}
	return exitCode
}
