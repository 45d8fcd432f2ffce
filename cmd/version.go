package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/scopeq/scopeq/internal/build"
)

// NewVersionCommand returns the command to get the scopeq version.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Return the scopeq version",
		Long:  "Return the scopeq version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}
}

func version(_ *cobra.Command, _ []string) error {
	log.Printf("scopeq version %s date %s commit id %s", build.Version, build.Date, build.Commit)
	return nil
}
