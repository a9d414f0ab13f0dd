package audio

import (
	"encoding/binary"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavBitDepth    = 16
	wavChannels    = 1
	wavPCMFormatID = 1
)

// WAVWriter wraps raw 16-bit little-endian mono PCM into a WAV container
type WAVWriter struct {
	enc    *wav.Encoder
	format *goaudio.Format
	carry  []byte
}

// NewWAVWriter creates a WAV writer on top of a seekable output, since the
// header sizes are patched when the writer is closed.
func NewWAVWriter(out io.WriteSeeker, sampleRate int) *WAVWriter {
	return &WAVWriter{
		enc: wav.NewEncoder(out, sampleRate, wavBitDepth, wavChannels, wavPCMFormatID),
		format: &goaudio.Format{
			NumChannels: wavChannels,
			SampleRate:  sampleRate,
		},
	}
}

// Write implements io.Writer for raw PCM bytes. An odd trailing byte is held
// until the next Write completes its sample.
func (w *WAVWriter) Write(p []byte) (int, error) {
	data := append(w.carry, p...)
	samples := len(data) / 2

	if samples > 0 {
		ints := make([]int, samples)
		for i := range ints {
			ints[i] = int(int16(binary.LittleEndian.Uint16(data[i*2:])))
		}
		buf := &goaudio.IntBuffer{
			Format:         w.format,
			Data:           ints,
			SourceBitDepth: wavBitDepth,
		}
		if err := w.enc.Write(buf); err != nil {
			return 0, fmt.Errorf("failed to encode wav samples: %w", err)
		}
	}

	w.carry = append([]byte(nil), data[samples*2:]...)
	return len(p), nil
}

// Close finalizes the WAV header. It does not close the underlying output.
func (w *WAVWriter) Close() error {
	return w.enc.Close()
}
