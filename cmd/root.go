// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI
// flags, environment variables prefixed with SCOPEQ, or config.yaml (in
// that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("SCOPEQ")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/scopeq", "$HOME/.scopeq", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "scopeq",
		Short: "A permission-scoped query service exposing application models over a single AST-driven endpoint",
		Long: `A permission-scoped query service exposing application models over a single AST-driven endpoint.

scopeq serves a declared set of models through one query API: clients send a
JSON operation tree and receive results already narrowed to the rows, fields
and actions their policies grant.`,
	}
}
