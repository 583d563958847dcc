package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var cmdCmd = &cobra.Command{
	Use:   "cmd <command...>",
	Short: "Run one chat command against the workspace",
	Long: `Runs a single command through the same handler the messaging
front-end uses, e.g.:

  autodev cmd prd list
  autodev cmd story 3 Login endpoint \| POST /login with validation
  autodev cmd queue prd 3
  autodev cmd autonomous status`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		defer m.Close()

		reply := m.Handle("cli", strings.Join(args, " "))
		if reply != "" {
			fmt.Println(reply)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cmdCmd)
}
