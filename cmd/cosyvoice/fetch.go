package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satriahrh/cosyvoice/server/domain/entities"
	"github.com/satriahrh/cosyvoice/server/internal/api"
	"github.com/satriahrh/cosyvoice/server/internal/audio"
)

var (
	fetchServer     string
	fetchOutput     string
	fetchToken      string
	fetchFormat     string
	fetchVoice      string
	fetchSampleRate int

	fetchCmd = &cobra.Command{
		Use:   "fetch TEXT...",
		Short: "Stream speech from a running server into a file",
		Long: "Request /api/stream from a running server and write the audio as it arrives.\n" +
			"Each argument is sent as one text segment.",
		Args: cobra.MinimumNArgs(1),
		RunE: runFetch,
	}
)

func init() {
	flags := fetchCmd.Flags()
	flags.StringVar(&fetchServer, "server", "http://localhost:8080", "server base URL")
	flags.StringVarP(&fetchOutput, "output", "o", "output.wav", "output path, - for stdout")
	flags.StringVar(&fetchToken, "token", os.Getenv("COSYVOICE_CLIENT_TOKEN"), "bearer token for the server")
	flags.StringVar(&fetchFormat, "format", "pcm", "audio format: pcm, wav or mp3")
	flags.StringVar(&fetchVoice, "voice", "", "voice name, server default when empty")
	flags.IntVar(&fetchSampleRate, "sample-rate", entities.DefaultSampleRate, "sample rate in Hz")
}

func streamURL(base string, segments []string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/api/stream")
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}

	query := url.Values{}
	for _, segment := range segments {
		query.Add("text", segment)
	}
	query.Set("format", fetchFormat)
	query.Set("sample_rate", strconv.Itoa(fetchSampleRate))
	if fetchVoice != "" {
		query.Set("voice", fetchVoice)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	target, err := streamURL(fetchServer, args)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if fetchToken != "" {
		req.Header.Set("Authorization", "Bearer "+fetchToken)
	}

	logger.Info("Requesting speech", zap.String("url", target))
	started := time.Now()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}
		return fmt.Errorf("server returned %d: %s: %s", resp.StatusCode, errResp.Error, errResp.Message)
	}

	format := entities.AudioFormat(strings.TrimPrefix(resp.Header.Get("Content-Type"), "audio/"))
	out, err := openOutput(fetchOutput, format, fetchSampleRate)
	if err != nil {
		return err
	}

	config := entities.SynthesisConfig{Format: format}
	aligner := audio.NewSampleAligner(out, config.FrameSize())

	buf := make([]byte, 4096)
	var total, chunks int
	var firstByte time.Duration
	var copyErr error
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if chunks == 0 {
				firstByte = time.Since(started)
			}
			chunks++
			total += n
			if _, werr := aligner.Write(buf[:n]); werr != nil {
				copyErr = fmt.Errorf("failed to write audio: %w", werr)
				break
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			copyErr = fmt.Errorf("failed to read audio: %w", err)
			break
		}
	}

	if dropped := aligner.Flush(); dropped > 0 {
		logger.Warn("Dropped incomplete trailing sample", zap.Int("bytes", dropped))
	}
	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("failed to finalize output: %w", err)
	}
	if copyErr != nil {
		return copyErr
	}

	logger.Info("Speech received",
		zap.Int("chunks", chunks),
		zap.Int("bytes", total),
		zap.Duration("firstByte", firstByte),
		zap.Duration("duration", time.Since(started)),
		zap.String("output", fetchOutput))
	return nil
}
