package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"taskrelay/internal/inbox"
	"taskrelay/internal/task/ident"
)

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Drop a delivery into the daemon's inbox",
	Long: `Write one envelope into the inbox spool directory. The running daemon
picks it up and routes it like an OS delivery.

Kinds:
  delivery  raw payload for one task (--identifier, or --task with --app)
  fetch     fire one background fetch for a task
  location  location fixes, payload {"locations":[...]}
  position  device position for geofencing, payload {"latitude":..,"longitude":..}

--payload accepts inline JSON or @file.`,
	Example: `  taskrelay deliver --task sync --payload '{"firedAt":1700000000000}'
  taskrelay deliver --kind position --payload '{"latitude":52.52,"longitude":13.40}'`,
	RunE: runDeliver,
}

func init() {
	deliverCmd.Flags().String("kind", string(inbox.KindDelivery), "Envelope kind (delivery, fetch, location, position)")
	deliverCmd.Flags().String("identifier", "", "Callback identifier of the target task")
	deliverCmd.Flags().String("task", "", "Task name; the identifier is built from --app and --task")
	deliverCmd.Flags().String("payload", "", "JSON payload, or @path to read it from a file")
	deliverCmd.Flags().String("dir", "", "Inbox directory (default: inbox.dir from the config)")
	rootCmd.AddCommand(deliverCmd)
}

func runDeliver(cmd *cobra.Command, _ []string) error {
	kind, _ := cmd.Flags().GetString("kind")
	identifier, _ := cmd.Flags().GetString("identifier")
	task, _ := cmd.Flags().GetString("task")
	payload, _ := cmd.Flags().GetString("payload")
	dir, _ := cmd.Flags().GetString("dir")

	var app string
	if strings.TrimSpace(dir) == "" || (identifier == "" && task != "") {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if strings.TrimSpace(dir) == "" {
			dir = cfg.Inbox.Dir
		}
		app = appID(cfg)
	}

	raw, err := readPayload(payload)
	if err != nil {
		return err
	}
	env, err := buildEnvelope(kind, identifier, app, task, raw)
	if err != nil {
		return err
	}
	path, err := inbox.WriteSpool(dir, env)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func readPayload(arg string) ([]byte, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, nil
	}
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return b, nil
	}
	return []byte(arg), nil
}

// buildEnvelope resolves the target identifier and checks the payload is JSON.
func buildEnvelope(kind, identifier, app, task string, payload []byte) (inbox.Envelope, error) {
	identifier = strings.TrimSpace(identifier)
	task = strings.TrimSpace(task)
	if identifier == "" && task != "" {
		if strings.TrimSpace(app) == "" {
			return inbox.Envelope{}, errors.New("--task needs an app id (--app or app.id)")
		}
		identifier = ident.Encode(ident.Ref{AppID: app, TaskName: task})
	}
	if identifier != "" {
		if _, err := ident.Decode(identifier); err != nil {
			return inbox.Envelope{}, err
		}
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return inbox.Envelope{}, errors.New("payload is not valid JSON")
	}
	return inbox.Envelope{
		Kind:       inbox.Kind(strings.ToLower(strings.TrimSpace(kind))),
		Identifier: identifier,
		Payload:    json.RawMessage(payload),
	}, nil
}
