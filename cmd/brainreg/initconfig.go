package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"brainreg/pkg/config"
)

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write the default configuration to a YAML file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "brainreg.yaml"
		if len(args) > 0 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists; use --force to overwrite it", path)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to check %s: %w", path, err)
		}

		if err := config.CreateDefaultConfigFile(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initConfigCmd)
	initConfigCmd.Flags().Bool("force", false, "Overwrite an existing file")
}
