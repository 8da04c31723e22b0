package plugins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/rowforge/pkg/config"
	"github.com/openfroyo/rowforge/pkg/contracts"
	"github.com/openfroyo/rowforge/pkg/engine"
)

// Emit modes of batch_stats.
const (
	// EmitSummary returns one row of statistics per batch. Use it with the
	// single output mode.
	EmitSummary = "summary"

	// EmitEnrich returns every input row with the batch statistics added
	// under Prefix. Use it with the passthrough output mode.
	EmitEnrich = "enrich"
)

// BatchStatsOptions configures the batch_stats aggregation.
type BatchStatsOptions struct {
	// Field is the numeric field to summarize.
	Field string `json:"field" validate:"required"`

	Emit string `json:"emit,omitempty" validate:"omitempty,oneof=summary enrich"`

	// Prefix names the enrich fields. Default "batch_".
	Prefix string `json:"prefix,omitempty"`

	// SkipMissing ignores rows without a numeric value instead of failing
	// the batch.
	SkipMissing bool `json:"skip_missing,omitempty"`
}

// BatchStats computes count, sum, min, max and mean of a field over a
// batch.
type BatchStats struct {
	opts BatchStatsOptions
}

// NewBatchStats creates a batch_stats aggregation from its options.
func NewBatchStats(opts config.Options) (*BatchStats, error) {
	var o BatchStatsOptions
	if err := decodeOptions(opts, &o); err != nil {
		return nil, fmt.Errorf("batch_stats: %w", err)
	}
	if o.Emit == "" {
		o.Emit = EmitSummary
	}
	if o.Prefix == "" {
		o.Prefix = "batch_"
	}
	return &BatchStats{opts: o}, nil
}

// Name returns the plugin name.
func (b *BatchStats) Name() string { return "batch_stats" }

// ProcessBatch summarizes rows.
func (b *BatchStats) ProcessBatch(ctx context.Context, rows []contracts.Row, pctx *engine.PluginContext) (engine.TransformResult, error) {
	var count int64
	var sum, lo, hi float64
	for i, row := range rows {
		v, _ := row.Get(b.opts.Field)
		f, ok := toFloat(v)
		if !ok {
			if b.opts.SkipMissing {
				continue
			}
			return engine.Error(map[string]interface{}{
				"reason": "not_numeric",
				"field":  b.opts.Field,
				"index":  i,
			}), nil
		}
		if count == 0 || f < lo {
			lo = f
		}
		if count == 0 || f > hi {
			hi = f
		}
		sum += f
		count++
	}

	stats := map[string]interface{}{
		"field": b.opts.Field,
		"count": count,
		"sum":   sum,
	}
	if count > 0 {
		stats["min"] = lo
		stats["max"] = hi
		stats["mean"] = sum / float64(count)
	} else {
		stats["min"], stats["max"], stats["mean"] = nil, nil, nil
	}

	if b.opts.Emit == EmitSummary {
		return engine.Success(stats), nil
	}

	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		data := row.ToMap()
		for k, v := range stats {
			if k != "field" {
				data[b.opts.Prefix+k] = v
			}
		}
		out[i] = data
	}
	return engine.SuccessMulti(out), nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
