package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/omero-tools/omerows/internal/omero"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show discovery information for an OMERO server",
	Long: `Run endpoint discovery against an OMERO server and print what was
found: advertised API versions, the selected version, the endpoint map and
the chosen backend record.

Example:
  omerows status --server https://omero.example.org`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	server, err := resolveServer()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := omero.Connect(ctx, server, omero.WithTimeout(cfg.HTTP.Timeout.Std()))
	if err != nil {
		return err
	}

	fmt.Printf("Server: %s\n", client.ServerURI())

	versions := client.Versions()
	fmt.Printf("API versions (%d):\n", len(versions))
	for _, v := range versions {
		marker := " "
		if v == client.APIVersion() {
			marker = "*"
		}
		fmt.Printf("  %s %-10s %s\n", marker, v.Version, v.BaseURL)
	}

	record := client.Server()
	fmt.Printf("Backend: id=%d host=%s port=%d name=%q\n",
		record.ID, record.Host, record.Port, record.Server)

	endpoints := client.Endpoints()
	keys := make([]string, 0, len(endpoints))
	for k := range endpoints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("Endpoints (%d):\n", len(endpoints))
	for _, k := range keys {
		fmt.Printf("  %-24s %s\n", k, endpoints[k])
	}

	loggedIn, err := client.CheckLoggedIn(ctx)
	if err != nil {
		fmt.Printf("Logged in: unknown (%v)\n", err)
		return nil
	}
	fmt.Printf("Logged in: %v\n", loggedIn)
	return nil
}
