package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/snarg/poem-engine/internal/jobs"
	"github.com/snarg/poem-engine/internal/pipeline"
)

type runFlags struct {
	bucketPath      string
	sourceBucketDir string
	url             string
	localFile       string
	destination     string
	preserve        bool
	minWordCount    int
	voice           string
	speakingRate    float64
	pitch           float64
	imageFlavor     []string
}

// request builds a job request; speakingRate and pitch are only set when the
// flags were given.
func (f *runFlags) request(cmd *cobra.Command) pipeline.Request {
	req := pipeline.Request{
		BucketPath:           f.bucketPath,
		SourceBucketDir:      f.sourceBucketDir,
		URL:                  f.url,
		LocalFile:            f.localFile,
		DestinationBucketDir: f.destination,
		Preserve:             f.preserve,
		MinWordCount:         f.minWordCount,
		Voice:                f.voice,
		ImageFlavor:          f.imageFlavor,
	}
	if cmd.Flags().Changed("speaking-rate") {
		rate := f.speakingRate
		req.SpeakingRate = &rate
	}
	if cmd.Flags().Changed("pitch") {
		pitch := f.pitch
		req.Pitch = &pitch
	}
	return req
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	return newRunCommandWith(ctx, &runFlags{})
}

func newRunCommandWith(ctx *commandContext, f *runFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Render one job and print the artifact key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := f.request(cmd)
			if err := req.Validate(); err != nil {
				return err
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log := ctx.logger()

			orch, err := buildOrchestrator(cfg, log)
			if err != nil {
				return err
			}
			runner := jobs.NewRunner(jobs.RunnerOptions{
				Executor:     orch,
				LogDir:       cfg.LogDir,
				Console:      ctx.stdout,
				ConsoleLevel: ctx.logLevel(),
				Log:          log,
			})

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, res, err := runner.Run(runCtx, "", jobs.SourceCLI, req)
			if err != nil {
				return fmt.Errorf("%s: %w", pipeline.KindOf(err), err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.ArtifactPath)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.bucketPath, "bucket-path", "", "Render this ad record")
	flags.StringVar(&f.sourceBucketDir, "source-bucket-dir", "", "Pick an available ad from this record directory")
	flags.StringVar(&f.url, "url", "", "Render the ad at this web page")
	flags.StringVar(&f.localFile, "local-file", "", "Render a local text file (title on the first line)")
	flags.StringVar(&f.destination, "destination-bucket-dir", "", "Artifact directory under the collection")
	flags.BoolVar(&f.preserve, "preserve", false, "Release the record instead of consuming it")
	flags.IntVar(&f.minWordCount, "min-word-count", 0, "Skip records with fewer body words")
	flags.StringVar(&f.voice, "voice", "", "Speech synthesis voice")
	flags.Float64Var(&f.speakingRate, "speaking-rate", 1.0, "Speech synthesis speaking rate (0.25 to 4)")
	flags.Float64Var(&f.pitch, "pitch", 0, "Speech synthesis pitch in semitones")
	flags.StringSliceVar(&f.imageFlavor, "image-flavor", nil, "Words appended to every image search, comma separated")
	cmd.MarkFlagsMutuallyExclusive("bucket-path", "source-bucket-dir", "url", "local-file")

	return cmd
}
