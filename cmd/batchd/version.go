package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"batchd/internal/backend/local"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build features",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "batchd %s (llama=%t)\n", version, local.LlamaBuilt)
			return err
		},
	}
}
