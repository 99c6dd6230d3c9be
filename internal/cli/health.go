package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the backend is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := apiClient().Health(context.Background())
		if err != nil {
			return fmt.Errorf("backend at %s: %w", cfg.APIURL, err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %s\n", cfg.APIURL, h.Status)
		if h.Service != "" {
			fmt.Fprintf(out, "  Service: %s %s\n", h.Service, h.Version)
		}
		if h.Environment != "" {
			fmt.Fprintf(out, "  Environment: %s\n", h.Environment)
		}
		fmt.Fprintf(out, "  Events: %s\n", cfg.EventsURL)
		return nil
	},
}
