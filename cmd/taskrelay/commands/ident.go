package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"taskrelay/internal/task/ident"
)

var identCmd = &cobra.Command{
	Use:   "ident",
	Short: "Encode and decode task callback identifiers",
}

var identEncodeCmd = &cobra.Command{
	Use:   "encode <task-name>",
	Short: "Print the callback identifier of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := settings.GetString("app")
		if app == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app = appID(cfg)
		}
		fmt.Fprintln(cmd.OutOrStdout(), ident.Encode(ident.Ref{AppID: app, TaskName: args[0]}))
		return nil
	},
}

var identDecodeCmd = &cobra.Command{
	Use:   "decode <identifier>",
	Short: "Print the app id and task name inside an identifier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := ident.Decode(args[0])
		if err != nil {
			return err
		}
		b, err := json.Marshal(ref)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return nil
	},
}

func init() {
	identCmd.AddCommand(identEncodeCmd)
	identCmd.AddCommand(identDecodeCmd)
	rootCmd.AddCommand(identCmd)
}
