package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/poem-engine/internal/adpool"
	"github.com/snarg/poem-engine/internal/compositor"
	"github.com/snarg/poem-engine/internal/config"
	"github.com/snarg/poem-engine/internal/entities"
	"github.com/snarg/poem-engine/internal/images"
	"github.com/snarg/poem-engine/internal/pipeline"
	"github.com/snarg/poem-engine/internal/speech"
	"github.com/snarg/poem-engine/internal/storage"
	"github.com/snarg/poem-engine/internal/textsource"
	"github.com/snarg/poem-engine/internal/transcribe"
)

const collaboratorRetries = 2

// buildOrchestrator wires the render pipeline to its collaborators.
func buildOrchestrator(cfg *config.Config, log zerolog.Logger) (*pipeline.Orchestrator, error) {
	storeLog := log.With().Str("component", "storage").Logger()
	records, err := storage.New(cfg.S3, cfg.S3.Bucket, storeLog)
	if err != nil {
		return nil, fmt.Errorf("record store: %w", err)
	}
	artifacts := records
	if cfg.S3.Artifacts() != cfg.S3.Bucket {
		artifacts, err = storage.New(cfg.S3, cfg.S3.Artifacts(), storeLog)
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
	}

	stt, err := transcribe.NewProvider(cfg)
	if err != nil {
		return nil, err
	}

	pageClient := &http.Client{Timeout: 30 * time.Second}

	deps := pipeline.Deps{
		Records: adpool.NewManager(records, log.With().Str("component", "adpool").Logger()),
		Speech: speech.NewClient(speech.Config{
			BaseURL:    cfg.TTSURL,
			APIKey:     cfg.TTSAPIKey,
			Model:      cfg.TTSModel,
			Timeout:    cfg.StageTimeout,
			MaxRetries: collaboratorRetries,
			Defaults: speech.Options{
				Voice: cfg.TTSVoice,
				Speed: cfg.TTSSpeakingRate,
				Pitch: cfg.TTSPitch,
			},
		}),
		Transcriber: stt,
		Entities: entities.NewExtractor(entities.Config{
			BaseURL:    cfg.EntityBaseURL,
			APIKey:     cfg.EntityAPIKey,
			Model:      cfg.EntityModel,
			Timeout:    cfg.StageTimeout,
			MaxRetries: collaboratorRetries,
		}),
		Images: images.NewFinder(images.Config{
			SearchURL:   cfg.ImageSearchURL,
			APIKey:      cfg.ImageSearchKey,
			EngineID:    cfg.ImageSearchCX,
			Timeout:     30 * time.Second,
			FrameWidth:  cfg.FrameWidth,
			FrameHeight: cfg.FrameHeight,
		}, log.With().Str("component", "images").Logger()),
		Compositor: compositor.New(compositor.Config{
			FFmpegPath:  cfg.FFmpegPath,
			FFprobePath: cfg.FFprobePath,
			Width:       cfg.FrameWidth,
			Height:      cfg.FrameHeight,
		}, log.With().Str("component", "compositor").Logger()),
		Artifacts: artifacts,
		FetchURL: func(ctx context.Context, url string) (textsource.Text, error) {
			return textsource.FetchURL(ctx, pageClient, url)
		},
	}

	return pipeline.New(deps, pipeline.Settings{
		Collection:       cfg.Collection,
		WorkDir:          cfg.WorkDir,
		KeepWorkDir:      cfg.KeepWorkDir,
		TitleRate:        cfg.TitleRate,
		BodyRate:         cfg.BodyRate,
		FadeSeconds:      cfg.FadeSeconds,
		FrameWidth:       cfg.FrameWidth,
		FrameHeight:      cfg.FrameHeight,
		Language:         cfg.STTLanguage,
		ImageConcurrency: cfg.ImageConcurrency,
		SkipFailedImages: cfg.ImageSkipFailed,
		StageTimeout:     cfg.StageTimeout,
	}), nil
}
