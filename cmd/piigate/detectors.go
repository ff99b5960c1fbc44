package main

import (
	"log/slog"

	"github.com/gonkalabs/piigate/internal/config"
	"github.com/gonkalabs/piigate/internal/pii"
	"github.com/gonkalabs/piigate/internal/pii/llmclassifier"
	"github.com/gonkalabs/piigate/internal/pii/ner"
	"github.com/gonkalabs/piigate/internal/pii/pattern"
)

// buildDetector assembles the enabled detection layers behind one Composite.
func buildDetector(cfg *config.Cfg, logger *slog.Logger) (*pii.Composite, error) {
	var layers []pii.Detector

	if cfg.DetectPatterns {
		p, err := pattern.New(pattern.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		layers = append(layers, p)
		logger.Info("detect: pattern layer enabled", "rules", p.RuleCount())
	}
	if cfg.DetectNER {
		layers = append(layers, ner.New(cfg.DetectNERURL,
			ner.WithLanguage(cfg.DetectNERLanguage),
			ner.WithLogger(logger),
		))
		logger.Info("detect: NER layer enabled", "url", cfg.DetectNERURL)
	}
	if cfg.DetectLLM {
		layers = append(layers, llmclassifier.New(cfg.DetectLLMURL, cfg.DetectLLMModel,
			llmclassifier.WithLogger(logger),
		))
		logger.Info("detect: LLM layer enabled",
			"url", cfg.DetectLLMURL,
			"model", cfg.DetectLLMModel,
		)
	}
	if len(layers) == 0 {
		logger.Warn("detect: every layer is disabled, prompts pass through unredacted")
	}

	return pii.NewComposite(layers,
		pii.WithMinConfidence(cfg.DetectMinConfidence),
		pii.WithBudget(cfg.DetectBudget),
		pii.WithLogger(logger),
	), nil
}
