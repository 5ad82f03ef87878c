package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/example/go-rhvoice/internal/audio"
	"github.com/example/go-rhvoice/internal/config"
	"github.com/example/go-rhvoice/internal/params"
	"github.com/example/go-rhvoice/internal/text"
	"github.com/example/go-rhvoice/internal/tts"
	"github.com/spf13/cobra"
)

func newSayCmd() *cobra.Command {
	var textFlag string
	var out string
	var voice string
	var format string
	var sentenceChars int
	var paramArgs []string

	cmd := &cobra.Command{
		Use:   "say",
		Short: "Synthesize text to an audio file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			inputText, err := readSayText(textFlag, cmd.InOrStdin())
			if err != nil {
				return err
			}
			overrides, err := parseParamArgs(paramArgs)
			if err != nil {
				return err
			}

			opts := []tts.SayOption{tts.WithVoice(voice)}
			if format != "" {
				f, err := audio.ParseFormat(format)
				if err != nil {
					return err
				}
				opts = append(opts, tts.WithFormat(f))
			}
			if sentenceChars > 0 {
				opts = append(opts, tts.WithSentenceSplit(sentenceChars))
			}
			if len(overrides) > 0 {
				opts = append(opts, tts.WithOverrides(overrides))
			}

			svc, err := tts.NewService(cmd.Context(), singleWorker(cfg), slog.Default())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Join() }()

			return writeSayOutput(cmd.Context(), svc, out, inputText, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&textFlag, "text", "", "Text to synthesize (if empty, read from stdin)")
	cmd.Flags().StringVar(&out, "out", "out.wav", "Output path ('-' for stdout); the extension picks the format")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice or profile, e.g. Anna or Anna+Clb")
	cmd.Flags().StringVar(&format, "format", "", "Output format (pcm|wav|mp3|opus|flac), overrides the extension")
	cmd.Flags().IntVar(&sentenceChars, "sentence-chars", 0, "Split text into segments of about this many characters")
	cmd.Flags().StringArrayVar(&paramArgs, "param", nil, "Synthesis parameter for this run in key=value form (repeatable)")

	return cmd
}

// singleWorker runs one in-process worker: a one-shot synthesis gains
// nothing from a pool.
func singleWorker(cfg config.Config) config.Config {
	cfg.Pool.Workers = 1
	cfg.Pool.Mode = config.ModeThread
	cfg.Pool.ForceProcess = ""
	return cfg
}

func writeSayOutput(ctx context.Context, svc *tts.Service, outPath, input string, opts []tts.SayOption, stdout io.Writer) error {
	if outPath != "-" {
		return svc.ToFile(ctx, outPath, input, opts...)
	}
	if stdout == nil {
		return fmt.Errorf("stdout writer is nil")
	}

	st, err := svc.Say(ctx, input, opts...)
	if err != nil {
		return err
	}
	defer st.Close()

	_, err = io.Copy(stdout, st)
	return err
}

func readSayText(input string, stdin io.Reader) (string, error) {
	if strings.TrimSpace(input) == "" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		input = string(b)
	}

	cleaned, err := text.Normalize(input)
	if errors.Is(err, text.ErrEmptyText) {
		return "", fmt.Errorf("either provide --text or pipe text on stdin")
	}
	return cleaned, err
}

// parseParamArgs turns repeated key=value flags into parameter overrides.
// Numeric values become numbers; the key must be a known parameter.
func parseParamArgs(items []string) (map[string]any, error) {
	if len(items) == 0 {
		return nil, nil
	}

	known := make(map[string]bool)
	for _, k := range params.Keys() {
		known[k] = true
	}

	out := make(map[string]any, len(items))
	for _, item := range items {
		key, value, ok := strings.Cut(item, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q (want key=value)", item)
		}
		if !known[key] {
			return nil, fmt.Errorf("%w: unknown parameter %q", params.ErrInvalidParam, key)
		}
		value = strings.TrimSpace(value)
		if key != params.KeyVoiceProfile && key != params.KeyPunctuationList {
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				out[key] = f
				continue
			}
		}
		out[key] = value
	}

	return out, nil
}
