package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/example/go-rhvoice/internal/engine"
	"github.com/spf13/cobra"
)

func newVoicesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List installed voices and voice profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			eng, err := openEngine(cfg.Engine, slog.Default())
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			return printVoices(cmd.OutOrStdout(), eng.Voices(), eng.VoiceProfiles(), asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	return cmd
}

func printVoices(w io.Writer, voices []engine.Voice, profiles []string, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"voices": voices, "voice_profiles": profiles})
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLANGUAGE\tGENDER\tCOUNTRY")
	for _, v := range voices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Name, v.Language, v.Gender, v.Country)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(profiles) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Profiles:")
		for _, p := range profiles {
			fmt.Fprintf(w, "  %s\n", p)
		}
	}

	return nil
}
