package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"newsarchive-ocr/internal/entity"
)

const (
	FactorForcedOverride = "forced override"
	FactorHeavyFallback  = "heavy lane unavailable: fell back to fast lane"

	forcedEstimateSeconds = 900
	largeFileBaseSeconds  = 180
	defaultBaseSeconds    = 60
	perPageSeconds        = 20
	keywordSeconds        = 90
)

type RouterConfig struct {
	LargeFileBytes       int64
	ComplexPageThreshold int
	FastLaneBudget       time.Duration
	ComplexKeywords      []string
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		LargeFileBytes:       50 << 20,
		ComplexPageThreshold: 10,
		FastLaneBudget:       270 * time.Second,
		ComplexKeywords: []string{
			"newspaper", "broadsheet", "gazette", "ledger", "register",
			"annual_report", "annual-report", "catalogue", "manuscript", "bound_volume",
		},
	}
}

// SiblingLister resolves the pages of a grouped document.
type SiblingLister interface {
	QueryByGroup(ctx context.Context, groupID string) ([]*entity.Job, error)
}

// Router decides the processing lane of a single job. Only pages linked by
// GroupID count toward the page heuristic; files that merely arrived in the
// same upload are independent.
type Router struct {
	siblings SiblingLister
	cfg      RouterConfig
	log      *zap.Logger
}

func NewRouter(siblings SiblingLister, cfg RouterConfig, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{siblings: siblings, cfg: cfg, log: log}
}

func (r *Router) Classify(ctx context.Context, job *entity.Job) (entity.RoutingDecision, error) {
	if job.ForceRoute.Valid() {
		return entity.RoutingDecision{
			Route:            job.ForceRoute,
			EstimatedSeconds: forcedEstimateSeconds,
			Factors:          []string{FactorForcedOverride},
		}, nil
	}

	factors := []string{}
	pages := job.PageCount
	multiPage := job.IsMultiPage

	if job.GroupID != "" {
		siblings, err := r.siblings.QueryByGroup(ctx, job.GroupID)
		if err != nil {
			return entity.RoutingDecision{}, fmt.Errorf("resolve pages of group %s: %w", job.GroupID, err)
		}
		actual := len(siblings)
		if actual == 0 {
			actual = 1
		}
		if actual != pages {
			factors = append(factors, fmt.Sprintf("page count from group %s: %d (submitted %d)", job.GroupID, actual, pages))
		}
		pages = actual
		multiPage = actual > 1
	}

	large := job.FileSizeBytes > r.cfg.LargeFileBytes
	estimate := defaultBaseSeconds
	if large {
		estimate = largeFileBaseSeconds
		factors = append(factors, fmt.Sprintf("large file: %.1f MB exceeds %.0f MB",
			megabytes(job.FileSizeBytes), megabytes(r.cfg.LargeFileBytes)))
	}

	complexPages := multiPage && pages > r.cfg.ComplexPageThreshold
	if complexPages {
		estimate += perPageSeconds * pages
		factors = append(factors, fmt.Sprintf("multi-page document: %d pages exceeds %d", pages, r.cfg.ComplexPageThreshold))
	}

	if kw := r.matchKeyword(job.Filename); kw != "" {
		estimate += keywordSeconds
		factors = append(factors, fmt.Sprintf("complex document keyword %q in filename", kw))
	}

	budget := int(r.cfg.FastLaneBudget / time.Second)
	overBudget := estimate > budget
	if overBudget {
		factors = append(factors, fmt.Sprintf("estimated %ds exceeds fast lane budget of %ds", estimate, budget))
	}

	route := entity.RouteFast
	if large || overBudget || complexPages {
		route = entity.RouteHeavy
	}

	r.log.Debug("[router] classified",
		zap.String("job_id", job.JobID), zap.String("route", string(route)),
		zap.Int("estimate_s", estimate), zap.Strings("factors", factors))

	return entity.RoutingDecision{Route: route, EstimatedSeconds: estimate, Factors: factors}, nil
}

func (r *Router) matchKeyword(filename string) string {
	lower := strings.ToLower(filename)
	for _, kw := range r.cfg.ComplexKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}

func megabytes(b int64) float64 { return float64(b) / (1 << 20) }
