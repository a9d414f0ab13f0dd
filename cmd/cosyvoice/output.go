package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/satriahrh/cosyvoice/server/domain/entities"
	"github.com/satriahrh/cosyvoice/server/internal/audio"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// wavFile wraps PCM into a WAV container and closes the file after the header
type wavFile struct {
	*audio.WAVWriter
	file *os.File
}

func (w *wavFile) Close() error {
	if err := w.WAVWriter.Close(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// openOutput opens path for audio of the given format. "-" writes to stdout.
// Raw PCM written to a .wav path is wrapped with a WAV header.
func openOutput(path string, format entities.AudioFormat, sampleRate int) (io.WriteCloser, error) {
	if path == "-" {
		return nopCloser{os.Stdout}, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %q: %w", path, err)
	}

	if format == entities.AudioFormatPCM && strings.EqualFold(filepath.Ext(path), ".wav") {
		return &wavFile{WAVWriter: audio.NewWAVWriter(file, sampleRate), file: file}, nil
	}
	return file, nil
}
