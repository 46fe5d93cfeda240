package cmd

import (
	"context"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/omero-tools/omerows/internal/omero"
)

var checkType string

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check [flags] URI...",
	Short: "Check whether OMERO objects are accessible",
	Long: `Check whether the objects behind the given URIs can be fetched
with the current (anonymous) credentials.

The check is advisory: unreachable hosts count as not accessible rather
than failing the command.

Example:
  omerows check --type image "https://omero.example.org/webclient/?show=image-4291"
  omerows check --type dataset https://omero.example.org/api/v0/m/datasets/51`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVarP(&checkType, "type", "t", "image", "Object type (project, dataset, image)")
}

func runCheck(cmd *cobra.Command, args []string) error {
	objectType, err := omero.ParseObjectType(checkType)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	exitErr := error(nil)
	for _, raw := range args {
		uri, err := url.Parse(raw)
		if err != nil {
			fmt.Printf("%-60s invalid URI: %v\n", raw, err)
			continue
		}
		accessible, err := omero.CanBeAccessed(ctx, nil, uri, objectType)
		switch {
		case err != nil:
			fmt.Printf("%-60s error: %v\n", raw, err)
			exitErr = err
		case accessible:
			fmt.Printf("%-60s accessible\n", raw)
		default:
			fmt.Printf("%-60s not accessible\n", raw)
		}
	}
	return exitErr
}
