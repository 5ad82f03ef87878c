package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/go-rhvoice/internal/audio"
)

// FormatForPath guesses the output format from a file extension.
func FormatForPath(path string) (audio.Format, bool) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch ext {
	case "raw":
		return audio.FormatPCM, true
	case "ogg", "oga":
		return audio.FormatOpus, true
	}
	f, err := audio.ParseFormat(ext)
	if err != nil {
		return "", false
	}

	return f, true
}

// ToFile synthesizes text into path. Without WithFormat the format follows
// the file extension. A failed synthesis removes the partial file.
func (s *Service) ToFile(ctx context.Context, path, input string, opts ...SayOption) (err error) {
	if f, ok := FormatForPath(path); ok {
		opts = append([]SayOption{WithFormat(f)}, opts...)
	}

	st, err := s.Say(ctx, input, opts...)
	if err != nil {
		return err
	}
	defer st.Close()

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	if _, err := io.Copy(out, st); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}
