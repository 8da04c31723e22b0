package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/checkpoint"
	"github.com/openfroyo/rowforge/pkg/telemetry"
	"github.com/openfroyo/rowforge/pkg/tokens"
)

// SinkItem is a token waiting for a sink write. Its outcome is recorded
// only once the write succeeded.
type SinkItem struct {
	Token *tokens.Token
	Sink  string

	// Outcome is COMPLETED, ROUTED or QUARANTINED.
	Outcome audit.RowOutcome

	// Details are recorded with the outcome.
	Details map[string]interface{}
}

// SinkWriter buffers sink-bound tokens per sink and writes them in
// batches. Writes to different sinks run concurrently, bounded by the
// worker limit.
type SinkWriter struct {
	env         *runEnv
	graph       *Graph
	checkpoints *checkpoint.Manager
	flushSize   int
	maxWorkers  int

	buffers map[string][]SinkItem
	order   []string
}

func newSinkWriter(env *runEnv, graph *Graph, checkpoints *checkpoint.Manager, flushSize, maxWorkers int) *SinkWriter {
	if flushSize < 1 {
		flushSize = 1
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	w := &SinkWriter{
		env:         env,
		graph:       graph,
		checkpoints: checkpoints,
		flushSize:   flushSize,
		maxWorkers:  maxWorkers,
		buffers:     make(map[string][]SinkItem),
	}
	for _, n := range graph.Sinks() {
		w.order = append(w.order, n.Name)
	}
	return w
}

// Add buffers items for their sinks.
func (w *SinkWriter) Add(items []SinkItem) {
	for _, it := range items {
		w.buffers[it.Sink] = append(w.buffers[it.Sink], it)
	}
}

// Pending returns the number of buffered items.
func (w *SinkWriter) Pending() int {
	n := 0
	for _, items := range w.buffers {
		n += len(items)
	}
	return n
}

// FlushReady writes every sink whose buffer reached the flush size.
func (w *SinkWriter) FlushReady(ctx context.Context, snapshot func() checkpoint.BufferState) (RowResult, error) {
	var ready []string
	for _, name := range w.order {
		if len(w.buffers[name]) >= w.flushSize {
			ready = append(ready, name)
		}
	}
	return w.flush(ctx, ready, snapshot)
}

// FlushAll writes every non-empty sink buffer.
func (w *SinkWriter) FlushAll(ctx context.Context, snapshot func() checkpoint.BufferState) (RowResult, error) {
	var ready []string
	for _, name := range w.order {
		if len(w.buffers[name]) > 0 {
			ready = append(ready, name)
		}
	}
	return w.flush(ctx, ready, snapshot)
}

type sinkJob struct {
	node  *Node
	items []SinkItem
}

func (w *SinkWriter) flush(ctx context.Context, names []string, snapshot func() checkpoint.BufferState) (RowResult, error) {
	var res RowResult
	if len(names) == 0 {
		return res, nil
	}

	// Held state does not change while sinks are written.
	var state checkpoint.BufferState
	if snapshot != nil {
		state = snapshot()
	}

	jobs := make([]sinkJob, 0, len(names))
	for _, name := range names {
		node, ok := w.graph.Sink(name)
		if !ok {
			return res, NewPermanentError("unknown sink "+name, nil).WithCode(ErrCodeRouteUnresolved)
		}
		jobs = append(jobs, sinkJob{node: node, items: w.buffers[name]})
		delete(w.buffers, name)
	}

	results := make([]RowResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.maxWorkers)
	for i, job := range jobs {
		g.Go(func() error {
			r, err := w.write(gctx, job, state)
			results[i] = r
			return err
		})
	}
	err := g.Wait()

	for _, r := range results {
		res.merge(r)
	}
	return res, err
}

// write performs one sink write and records its audit trail: node states,
// the artifact, then each token's outcome followed by its checkpoint.
func (w *SinkWriter) write(ctx context.Context, job sinkJob, state checkpoint.BufferState) (RowResult, error) {
	var res RowResult
	node := job.node
	env := w.env

	rows := make([]map[string]interface{}, 0, len(job.items))
	stateIDs := make([]string, 0, len(job.items))
	for _, it := range job.items {
		s, err := env.beginState(ctx, it.Token, node, 1)
		if err != nil {
			return res, err
		}
		stateIDs = append(stateIDs, s.StateID)
		rows = append(rows, it.Token.Row.ToMap())
	}

	started := env.now()
	spanCtx, span := env.tel.Tracer.StartSinkSpan(ctx, node.Name, len(rows))
	defer span.End()

	first := job.items[0].Token.TokenID
	desc, attempts, err := retryCall(spanCtx, env.retry, func(attempt int) (ArtifactDescriptor, error) {
		return node.sink.Write(spanCtx, rows, env.pluginContext(node, attempt))
	}, env.retryHook(node, first))
	env.tel.Metrics.RecordSinkWrite(node.Name, len(rows), err)

	if err != nil {
		telemetry.RecordError(span, err)
		reason := map[string]interface{}{"error": err.Error(), "attempts": attempts}
		for _, id := range stateIDs {
			if ferr := env.failed(ctx, id, reason, started); ferr != nil {
				return res, ferr
			}
		}
		return res, NewPermanentError("sink write failed", err).
			WithCode(ErrCodePluginFailed).WithNode(node.ID).WithOperation("write")
	}

	artifact, err := env.recorder.RegisterArtifact(ctx, &audit.Artifact{
		RunID:        env.runID,
		SinkNodeID:   node.ID,
		StateID:      stateIDs[0],
		ArtifactType: desc.ArtifactType,
		PathOrURI:    desc.PathOrURI,
		ContentHash:  desc.ContentHash,
		SizeBytes:    desc.SizeBytes,
		RowCount:     len(rows),
	})
	if err != nil {
		return res, auditWriteError("register artifact", err).WithNode(node.ID)
	}

	output := map[string]interface{}{
		"artifact_id":  artifact.ArtifactID,
		"path_or_uri":  desc.PathOrURI,
		"content_hash": desc.ContentHash,
		"row_count":    len(rows),
	}
	for i, it := range job.items {
		if err := env.completed(ctx, stateIDs[i], output, started, nil); err != nil {
			return res, err
		}
		if err := env.recordOutcome(ctx, it.Token, outcome{
			kind:    it.Outcome,
			sink:    node.Name,
			details: it.Details,
		}, &res); err != nil {
			return res, err
		}
		cp, err := w.checkpoints.AfterSinkWrite(ctx, env.runID, it.Token.TokenID, node.ID,
			func() checkpoint.BufferState { return state })
		if err != nil {
			return res, NewPermanentError("checkpoint failed", err).WithCode(ErrCodeAuditWrite).WithNode(node.ID)
		}
		if cp != nil {
			env.tel.Metrics.RecordCheckpoint()
		}
	}

	telemetry.RecordSuccess(span)
	_ = env.tel.Events.PublishSinkWritten(env.runID, node.ID, desc.PathOrURI, len(rows))
	env.logger.WithNodeID(node.ID).Zerolog().Debug().
		Int("rows", len(rows)).
		Str("path", desc.PathOrURI).
		Dur("duration", time.Since(started)).
		Msg("sink written")
	return res, nil
}
