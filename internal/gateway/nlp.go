package gateway

import (
	"context"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"newsarchive-ocr/internal/entity"
)

const (
	// MaxAnalyzeBytes is the UTF-8 size limit of a single NLP request.
	MaxAnalyzeBytes = 4900
	// MinScore drops low-confidence entities and key phrases.
	MinScore = 0.7
)

// Analyzer is the managed NLP engine.
type Analyzer interface {
	DetectEntities(ctx context.Context, text string) ([]entity.Entity, error)
	DetectKeyPhrases(ctx context.Context, text string) ([]entity.KeyPhrase, error)
	DetectSentiment(ctx context.Context, text string) (entity.Sentiment, error)
}

type Enrichment struct {
	Entities   []entity.Entity
	KeyPhrases []entity.KeyPhrase
	Sentiment  entity.Sentiment
}

// Enrich runs the three detections concurrently. A failing call is logged and
// replaced by an empty or neutral result; Enrich itself never fails.
func Enrich(ctx context.Context, a Analyzer, text string, log *zap.Logger) Enrichment {
	out := Enrichment{
		Entities:   []entity.Entity{},
		KeyPhrases: []entity.KeyPhrase{},
		Sentiment:  entity.NeutralSentiment(),
	}
	if a == nil || text == "" {
		return out
	}
	if log == nil {
		log = zap.NewNop()
	}
	text = TruncateUTF8(text, MaxAnalyzeBytes)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ents, err := a.DetectEntities(gctx, text)
		if err != nil {
			log.Warn("[nlp] detect entities failed", zap.Error(err))
			return nil
		}
		out.Entities = filterEntities(ents)
		return nil
	})
	g.Go(func() error {
		phrases, err := a.DetectKeyPhrases(gctx, text)
		if err != nil {
			log.Warn("[nlp] detect key phrases failed", zap.Error(err))
			return nil
		}
		out.KeyPhrases = filterPhrases(phrases)
		return nil
	})
	g.Go(func() error {
		s, err := a.DetectSentiment(gctx, text)
		if err != nil {
			log.Warn("[nlp] detect sentiment failed", zap.Error(err))
			return nil
		}
		out.Sentiment = s
		return nil
	})
	_ = g.Wait()
	return out
}

// TruncateUTF8 cuts s to at most max bytes without splitting a rune.
func TruncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func filterEntities(in []entity.Entity) []entity.Entity {
	out := make([]entity.Entity, 0, len(in))
	for _, e := range in {
		if e.Score >= MinScore {
			out = append(out, e)
		}
	}
	return out
}

func filterPhrases(in []entity.KeyPhrase) []entity.KeyPhrase {
	out := make([]entity.KeyPhrase, 0, len(in))
	for _, p := range in {
		if p.Score >= MinScore {
			out = append(out, p)
		}
	}
	return out
}
