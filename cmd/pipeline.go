package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/audiotrans/internal/play"
	"github.com/audiolibrelab/audiotrans/internal/service"
	"github.com/audiolibrelab/audiotrans/internal/transcript"
)

const pipelineSteps = "r=record, t=transcribe, e=export, p=play"

// executePipeline runs the steps of -p that come after startStep.
func executePipeline(ctx context.Context, svc *service.Service, startStep rune) error {
	if pipeline == "" {
		return nil
	}

	steps := []rune(strings.ToLower(pipeline))
	startIndex := -1
	for i, step := range steps {
		if step == startStep {
			startIndex = i
			break
		}
	}
	if startIndex == -1 {
		return fmt.Errorf("step '%c' not found in pipeline '%s'", startStep, pipeline)
	}

	return runSteps(ctx, svc, steps[startIndex+1:])
}

func runSteps(ctx context.Context, svc *service.Service, steps []rune) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for i, step := range steps {
		fmt.Printf("Pipeline: executing step %d/%d: '%c'...\n", i+1, len(steps), step)

		switch step {
		case 'r':
			if _, err := recordOnce(ctx, svc); err != nil {
				return fmt.Errorf("pipeline record failed: %w", err)
			}
			fmt.Println("Pipeline: recording completed")

		case 't':
			data, err := svc.Transcribe(ctx)
			if err != nil {
				return fmt.Errorf("pipeline transcribe failed: %w", err)
			}
			printTranscript(data)
			fmt.Println("Pipeline: transcription completed")

		case 'e':
			for _, format := range []string{"txt", "json"} {
				out, name, err := svc.Export(format)
				if err != nil {
					return fmt.Errorf("pipeline export failed: %w", err)
				}
				path, err := transcript.Save(svc.Config().Output.Directory, name, out)
				if err != nil {
					return fmt.Errorf("pipeline export failed: %w", err)
				}
				fmt.Printf("Exported %s\n", path)
			}
			fmt.Println("Pipeline: export completed")

		case 'p':
			latest, err := svc.LatestRecording()
			if err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}
			fmt.Printf("Playing %s\n", filepath.Base(latest.Path))
			if err := play.New().Play(ctx, latest.Path); err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}
			fmt.Println("Pipeline: playback completed")

		default:
			return fmt.Errorf("unknown pipeline step: '%c' (valid: %s)", step, pipelineSteps)
		}
	}
	return nil
}

func validatePipeline() error {
	if pipeline == "" {
		return nil
	}

	validSteps := map[rune]bool{
		'r': true, // record
		't': true, // transcribe
		'e': true, // export
		'p': true, // play
	}

	for _, step := range strings.ToLower(pipeline) {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (valid: %s)", step, pipelineSteps)
		}
	}
	return nil
}

func printTranscript(data *transcript.Data) {
	if len(data.Chunks) == 0 {
		fmt.Println("(empty transcript)")
		return
	}
	for _, c := range data.Chunks {
		fmt.Printf("[%s] %s\n", transcript.FormatTimestamp(c.Start()), strings.TrimSpace(c.Text))
	}
}
