package search

import (
	"github.com/localretrieve/localretrieve/internal/validation"
)

// shortQueryWordCount is the threshold under which a semantic request
// keeps hybrid execution but with a reduced vector weight: one or two
// words rarely carry enough meaning for the vector side to dominate.
const shortQueryWordCount = 3

// SelectPlan turns an analysis plus collection context into an execution
// plan. Caller options override individual decisions.
func SelectPlan(analysis *Analysis, cctx CollectionContext, opts Options) *Plan {
	strategy := strategyForType(analysis.Type)
	if opts.Strategy != "" {
		strategy = opts.Strategy
	}

	mode := modeForStrategy(strategy)
	weights := WeightsForQueryType(analysis.Type)

	// Without a usable vector index, semantic demotes to keyword.
	vectorUsable := cctx.HasVector && cctx.HasEmbeddings
	if !vectorUsable {
		if strategy == StrategySemantic || strategy == StrategyHybrid {
			strategy = StrategyKeyword
		}
		mode = ModeFTSOnly
		weights = Weights{FTS: 1}
	}

	// Short queries that still asked for meaning: keep hybrid, trust
	// the lexical side more.
	if vectorUsable && strategy == StrategySemantic && analysis.Features.WordCount < shortQueryWordCount {
		strategy = StrategyHybrid
		weights = Weights{FTS: 0.6, Vector: 0.4}
	}

	if opts.Mode != "" {
		mode = opts.Mode
		if mode != ModeFTSOnly && !vectorUsable {
			mode = ModeFTSOnly
		}
	}
	if opts.Weights != nil {
		weights = *opts.Weights
	}

	fusion := FusionConfig{
		Method:        FusionRRF,
		K:             DefaultRRFConstant,
		Weights:       weights,
		Normalization: NormalizationNone,
	}
	if opts.FusionMethod != "" {
		fusion.Method = opts.FusionMethod
	}
	if fusion.Method == FusionWeighted && fusion.Normalization == NormalizationNone {
		fusion.Normalization = NormalizationMinMax
	}
	if opts.Normalization != "" {
		fusion.Normalization = opts.Normalization
	}
	if opts.RRFConstant > 0 {
		fusion.K = opts.RRFConstant
	}

	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	return &Plan{
		Strategy: strategy,
		Mode:     mode,
		Fusion:   fusion,
		Limit:    validation.Limit(opts.Limit, DefaultLimit, MaxLimit),
		Offset:   offset,
	}
}

func strategyForType(qt QueryType) Strategy {
	switch qt {
	case QueryTypePhrase:
		return StrategyPhrase
	case QueryTypeBoolean:
		return StrategyBoolean
	case QueryTypeFuzzy:
		return StrategyFuzzy
	case QueryTypeSemantic:
		return StrategySemantic
	case QueryTypeKeyword:
		return StrategyKeyword
	default:
		return StrategyHybrid
	}
}

func modeForStrategy(s Strategy) Mode {
	switch s {
	case StrategyPhrase, StrategyBoolean, StrategyFuzzy, StrategyKeyword:
		// Lexical strategies still benefit from the vector signal; the
		// weights already favor FTS heavily.
		return ModeHybrid
	case StrategySemantic:
		return ModeHybrid
	default:
		return ModeHybrid
	}
}
