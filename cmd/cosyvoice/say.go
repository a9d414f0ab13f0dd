package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/satriahrh/cosyvoice/server/domain/entities"
	"github.com/satriahrh/cosyvoice/server/internal/audio"
	"github.com/satriahrh/cosyvoice/server/usecase"
)

var (
	sayInput    string
	sayOutput   string
	sayMarkdown bool
	sayRate     float64
	sayVoice    string
	sayFormat   string
	saySample   int
	sayVolume   int
	saySpeech   int
	sayPitch    int

	sayCmd = &cobra.Command{
		Use:   "say [TEXT...]",
		Short: "Synthesize text directly over the protocol client",
		Long: "Synthesize text directly over the protocol client and write the audio to a file.\n" +
			"Text comes from the arguments, or from --input (use - for stdin).",
		RunE: runSay,
	}
)

func init() {
	flags := sayCmd.Flags()
	flags.StringVarP(&sayInput, "input", "i", "", "read text from a file, - for stdin")
	flags.StringVarP(&sayOutput, "output", "o", "output.wav", "output path, - for stdout")
	flags.BoolVar(&sayMarkdown, "markdown", false, "strip markdown formatting from the input")
	flags.Float64Var(&sayRate, "rate", 0, "sentences submitted per second, 0 for no pacing")
	flags.StringVar(&sayVoice, "voice", "", "voice name")
	flags.StringVar(&sayFormat, "format", "", "audio format: pcm, wav or mp3")
	flags.IntVar(&saySample, "sample-rate", 0, "sample rate in Hz")
	flags.IntVar(&sayVolume, "volume", 0, "volume, 0 to 100")
	flags.IntVar(&saySpeech, "speech-rate", 0, "speech rate, -500 to 500")
	flags.IntVar(&sayPitch, "pitch-rate", 0, "pitch rate, -500 to 500")
}

// sayConfig overlays the flags that were set onto the configured defaults
func sayConfig(cmd *cobra.Command, defaults entities.SynthesisConfig) entities.SynthesisConfig {
	config := defaults
	flags := cmd.Flags()
	if flags.Changed("voice") {
		config.Voice = sayVoice
	}
	if flags.Changed("format") {
		config.Format = entities.AudioFormat(strings.ToLower(sayFormat))
	}
	if flags.Changed("sample-rate") {
		config.SampleRate = saySample
	}
	if flags.Changed("volume") {
		config.Volume = sayVolume
	}
	if flags.Changed("speech-rate") {
		config.SpeechRate = saySpeech
	}
	if flags.Changed("pitch-rate") {
		config.PitchRate = sayPitch
	}
	return config
}

func readSayText(args []string) (string, error) {
	if sayInput == "" {
		return strings.Join(args, " "), nil
	}

	var data []byte
	var err error
	if sayInput == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(sayInput)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return string(data), nil
}

func runSay(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	text, err := readSayText(args)
	if err != nil {
		return err
	}
	sentences := usecase.SpeechRequest{Segments: []string{text}, Markdown: sayMarkdown}.Sentences()
	if len(sentences) == 0 {
		return usecase.ErrEmptyText
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	creds, err := newCredentials(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer creds.Close(context.Background())

	synthesizer, err := newSynthesizer(cfg, creds.provider, logger)
	if err != nil {
		return err
	}

	config := sayConfig(cmd, synthesizer.DefaultConfig())
	session, err := synthesizer.NewSession(config)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Open(ctx); err != nil {
		return err
	}
	if err := session.StartSynthesis(ctx); err != nil {
		return err
	}
	stream, err := session.AudioStream()
	if err != nil {
		return err
	}

	out, err := openOutput(sayOutput, config.Format, config.SampleRate)
	if err != nil {
		return err
	}

	limit := rate.Inf
	if sayRate > 0 {
		limit = rate.Limit(sayRate)
	}
	limiter := rate.NewLimiter(limit, 1)

	group, groupCtx := errgroup.WithContext(ctx)

	// speak sentences at the requested pace, then ask for completion
	group.Go(func() error {
		for _, sentence := range sentences {
			if err := limiter.Wait(groupCtx); err != nil {
				return err
			}
			if err := session.Speak(sentence); err != nil {
				return err
			}
			logger.Debug("Submitted sentence", zap.String("text", sentence))
		}
		return usecase.FinishSynthesis(groupCtx, session, usecase.DefaultFinishTimeout, logger)
	})

	// drain audio into the output as it arrives
	var written int
	group.Go(func() error {
		aligner := audio.NewSampleAligner(out, config.FrameSize())
		for {
			chunk, err := stream.Next(groupCtx)
			if errors.Is(err, io.EOF) {
				if dropped := aligner.Flush(); dropped > 0 {
					logger.Warn("Dropped incomplete trailing sample", zap.Int("bytes", dropped))
				}
				return nil
			}
			if err != nil {
				return err
			}
			if _, err := aligner.Write(chunk); err != nil {
				return fmt.Errorf("failed to write audio: %w", err)
			}
			written += len(chunk)
		}
	})

	runErr := group.Wait()
	if err := out.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to finalize output: %w", err)
	}
	if runErr != nil {
		return runErr
	}

	logger.Info("Synthesis finished",
		zap.Int("sentences", len(sentences)),
		zap.Int("bytes", written),
		zap.String("output", sayOutput))
	return nil
}
