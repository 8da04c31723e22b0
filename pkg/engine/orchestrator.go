package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openfroyo/rowforge/pkg/audit"
	"github.com/openfroyo/rowforge/pkg/checkpoint"
	"github.com/openfroyo/rowforge/pkg/contracts"
	"github.com/openfroyo/rowforge/pkg/telemetry"
)

// Options configures an Orchestrator.
type Options struct {
	// Telemetry receives logs, metrics, spans and events. Nil disables
	// all of them.
	Telemetry *telemetry.Telemetry

	// Checkpoint selects the checkpoint frequency. Checkpoints are only
	// persisted when Checkpoints is set.
	Checkpoint  checkpoint.Config
	Checkpoints checkpoint.Store

	// Retry is the retry policy of plugin calls. Nil means one attempt.
	Retry *RetryPolicy

	// MaxWorkers bounds concurrent sink writes. Default 1.
	MaxWorkers int

	// SinkFlushSize is the number of buffered tokens that triggers a sink
	// write. Default 1.
	SinkFlushSize int

	Progress   ProgressConfig
	OnProgress func(Progress)

	// ConfigHash and Settings are recorded with the run.
	ConfigHash string
	Settings   []byte

	// RunID is the id of a new run. Empty generates one.
	RunID string

	// MaxIterations bounds the work items processed for one row.
	MaxIterations int
}

// Orchestrator owns the lifecycle of runs: begin, register the graph,
// stream source rows, flush, finalize. It also resumes interrupted runs.
//
// Cancelling the context passed to Run or Resume is a graceful shutdown
// request: the current row finishes, held buffers and sink writes are
// flushed and the run ends INTERRUPTED.
type Orchestrator struct {
	store  audit.Store
	opts   Options
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// NewOrchestrator creates an orchestrator recording into store.
func NewOrchestrator(store audit.Store, opts Options) *Orchestrator {
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Orchestrator{
		store:  store,
		opts:   opts,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("orchestrator"),
	}
}

// Run executes spec as a new run. A failed run returns its result along
// with the fatal error; an interrupted run returns a nil error.
func (o *Orchestrator) Run(ctx context.Context, spec *PipelineSpec) (*RunResult, error) {
	graph, err := BuildGraph(spec)
	if err != nil {
		return nil, err
	}
	if err := o.opts.Checkpoint.Validate(); err != nil {
		return nil, configError(err.Error())
	}

	var contract *contracts.SchemaContract
	if schema := spec.Source.Plugin.Schema(); schema != nil {
		contract = schema.Lock()
	}

	run, err := o.store.BeginRun(ctx, audit.BeginRunRequest{
		RunID:      o.opts.RunID,
		ConfigHash: o.opts.ConfigHash,
		Settings:   o.opts.Settings,
		Contract:   contract,
	})
	if err != nil {
		return nil, auditWriteError("begin run", err)
	}

	ex := o.newExecution(run.RunID, graph)
	ex.contract = contract

	runCtx := telemetry.WithRunContext(o.tel.WithContext(ctx), run.RunID, o.opts.ConfigHash, "run")
	o.logger.WithRunID(run.RunID).Zerolog().Info().
		Int("nodes", len(graph.Nodes())).
		Str("config_hash", o.opts.ConfigHash).
		Msg("run started")

	if err := graph.Register(context.WithoutCancel(runCtx), o.store, run.RunID); err != nil {
		return ex.finish(runCtx, err, false)
	}
	return ex.execute(runCtx)
}

// Resume continues an interrupted, failed or crashed run. spec must
// produce the same graph as the original run. Rows without a complete set
// of outcomes are processed again, held buffers are restored from the
// latest checkpoint, and the source continues after the last recorded row.
func (o *Orchestrator) Resume(ctx context.Context, runID string, spec *PipelineSpec) (*RunResult, error) {
	graph, err := BuildGraph(spec)
	if err != nil {
		return nil, err
	}

	recovery := checkpoint.NewRecoveryManager(o.store, o.opts.Checkpoints, *o.logger.Zerolog())
	plan, err := recovery.Prepare(ctx, runID)
	if err != nil {
		switch {
		case errors.Is(err, checkpoint.ErrMissingContract):
			return nil, NewPermanentError("cannot resume", err).WithCode(ErrCodeAuditIntegrity)
		case errors.Is(err, checkpoint.ErrRunNotResumable):
			return nil, NewPermanentError("cannot resume", err).WithCode(ErrCodeValidation)
		default:
			return nil, NewPermanentError("prepare resume", err)
		}
	}

	if err := o.verifyGraph(ctx, runID, graph); err != nil {
		return nil, err
	}

	rowCount, err := o.store.GetRowCount(ctx, runID)
	if err != nil {
		return nil, NewPermanentError("count recorded rows", err)
	}
	if _, err := o.store.ResumeRun(ctx, runID); err != nil {
		return nil, auditWriteError("resume run", err)
	}

	ex := o.newExecution(runID, graph)
	ex.contract = plan.Contract
	ex.recovered = plan.Rows
	ex.startIndex = rowCount
	ex.checkpoints.SetSequence(plan.Sequence)

	runCtx := telemetry.WithRunContext(o.tel.WithContext(ctx), runID, plan.Run.ConfigHash, "resume")
	o.logger.WithRunID(runID).Zerolog().Info().
		Int("unprocessed_rows", len(plan.Rows)).
		Int("held_tokens", len(plan.Buffers.HeldTokens())).
		Int("recorded_rows", rowCount).
		Msg("run resuming")

	if err := ex.proc.Restore(plan.Buffers); err != nil {
		return ex.finish(runCtx, err, false)
	}
	return ex.execute(runCtx)
}

// verifyGraph checks that graph assigns the node ids recorded for run.
func (o *Orchestrator) verifyGraph(ctx context.Context, runID string, graph *Graph) error {
	recorded, err := o.store.GetNodes(ctx, runID)
	if err != nil {
		return NewPermanentError("load recorded nodes", err)
	}
	ids := make(map[string]bool, len(recorded))
	for _, n := range recorded {
		ids[n.NodeID] = true
	}
	if len(recorded) != len(graph.Nodes()) {
		return configError(fmt.Sprintf("pipeline has %d nodes, run %s recorded %d", len(graph.Nodes()), runID, len(recorded)))
	}
	for _, n := range graph.Nodes() {
		if !ids[n.ID] {
			return configError(fmt.Sprintf("node %s is not part of run %s; the pipeline changed since the run started", n.ID, runID))
		}
	}
	return nil
}

// execution is the state of one run attempt.
type execution struct {
	o           *Orchestrator
	graph       *Graph
	env         *runEnv
	proc        *Processor
	sinks       *SinkWriter
	checkpoints *checkpoint.Manager
	progress    *progressEmitter

	contract   *contracts.SchemaContract
	recovered  []checkpoint.RecoveredRow
	startIndex int

	summary RunSummary
	started time.Time
}

func (o *Orchestrator) newExecution(runID string, graph *Graph) *execution {
	env := newRunEnv(runID, o.store, o.tel, o.opts.Retry)
	cps := checkpoint.NewManager(o.opts.Checkpoints, o.opts.Checkpoint, *env.logger.Zerolog())
	return &execution{
		o:           o,
		graph:       graph,
		env:         env,
		proc:        newProcessor(env, graph, o.opts.MaxIterations),
		sinks:       newSinkWriter(env, graph, cps, o.opts.SinkFlushSize, o.opts.MaxWorkers),
		checkpoints: cps,
		progress:    newProgressEmitter(o.opts.Progress, runID, o.opts.OnProgress, o.tel.Events, env.now),
		started:     env.now(),
	}
}

func (ex *execution) execute(ctx context.Context) (*RunResult, error) {
	// Audit writes must not be torn by a shutdown request; ctx is only
	// consulted between rows.
	work := context.WithoutCancel(ctx)

	if err := ex.start(work); err != nil {
		return ex.finish(ctx, err, false)
	}

	for _, row := range ex.recovered {
		if ctx.Err() != nil {
			return ex.drain(ctx, true)
		}
		if err := ex.processRow(work, row.RowIndex, row.RowID, func(ctx context.Context) (RowResult, error) {
			return ex.proc.ProcessRecoveredRow(ctx, row, ex.contract)
		}); err != nil {
			return ex.finish(ctx, err, false)
		}
	}

	interrupted, err := ex.stream(ctx, work)
	if err != nil {
		return ex.finish(ctx, err, false)
	}
	return ex.drain(ctx, interrupted)
}

// stream reads the source from startIndex on and processes each row.
func (ex *execution) stream(ctx, work context.Context) (bool, error) {
	src := ex.graph.source
	pctx := ex.env.pluginContext(src, 1)
	index := 0
	for sr, err := range src.source.Load(work, pctx) {
		if err != nil {
			return false, NewPermanentError("source failed", err).
				WithCode(ErrCodePluginFailed).WithNode(src.ID).WithOperation("load")
		}
		if index < ex.startIndex {
			index++
			continue
		}
		if ctx.Err() != nil {
			return true, nil
		}

		if !sr.Quarantined && ex.contract == nil {
			if err := ex.inferContract(work, sr.Data); err != nil {
				return false, err
			}
		}

		rowIndex := index
		if err := ex.processRow(work, rowIndex, "", func(ctx context.Context) (RowResult, error) {
			return ex.proc.ProcessSourceRow(ctx, rowIndex, sr, ex.contract)
		}); err != nil {
			return false, err
		}
		index++
	}
	return ctx.Err() != nil, nil
}

// inferContract locks the contract of the first valid row as the run's
// source contract.
func (ex *execution) inferContract(ctx context.Context, data map[string]interface{}) error {
	ex.contract = contracts.Infer(contracts.ModeObserved, data).Lock()
	if err := ex.o.store.UpdateRunContract(ctx, ex.env.runID, ex.contract); err != nil {
		return auditWriteError("update run contract", err)
	}
	return nil
}

// processRow drives one row through the graph, releases timed-out buffers
// and writes the sinks that are ready.
func (ex *execution) processRow(ctx context.Context, rowIndex int, rowID string, fn func(context.Context) (RowResult, error)) error {
	spanCtx, span := ex.env.tel.Tracer.StartRowSpan(ctx, ex.env.runID, rowID, rowIndex)
	defer span.End()

	res, err := fn(spanCtx)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	timeouts, err := ex.proc.CheckTimeouts(spanCtx)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	res.merge(timeouts)

	ex.summary.RowsProcessed++
	if err := ex.collect(spanCtx, res, false); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	ex.progress.Tick(&ex.summary)
	return nil
}

// collect counts res, hands its sink-bound tokens to the sink writer and
// writes ready sinks, or every sink when all is set.
func (ex *execution) collect(ctx context.Context, res RowResult, all bool) error {
	ex.summary.add(res)
	ex.sinks.Add(res.Pending)
	if res.BatchFlushed {
		ex.checkpoints.MarkBatchFlushed()
	}

	flush := ex.sinks.FlushReady
	if all {
		flush = ex.sinks.FlushAll
	}
	written, err := flush(ctx, ex.proc.Snapshot)
	ex.summary.add(written)
	return err
}

// drain flushes held buffers and sinks and finalizes the run.
func (ex *execution) drain(ctx context.Context, interrupted bool) (*RunResult, error) {
	work := context.WithoutCancel(ctx)
	if interrupted {
		ex.env.logger.Zerolog().Info().
			Int("rows_processed", ex.summary.RowsProcessed).
			Msg("shutdown requested, flushing held rows")
	}

	res, err := ex.proc.Flush(work)
	if err != nil {
		return ex.finish(ctx, err, interrupted)
	}
	if err := ex.collect(work, res, true); err != nil {
		return ex.finish(ctx, err, interrupted)
	}

	if ex.contract == nil {
		// No valid row was seen; record an empty contract so the run stays
		// resumable.
		if err := ex.inferContract(work, map[string]interface{}{}); err != nil {
			return ex.finish(ctx, err, interrupted)
		}
	}
	return ex.finish(ctx, nil, interrupted)
}

// finish runs the completion hooks, records the final status and builds
// the result.
func (ex *execution) finish(ctx context.Context, fatal error, interrupted bool) (*RunResult, error) {
	o := ex.o
	work := context.WithoutCancel(ctx)
	logger := ex.env.logger

	status := audit.RunStatusCompleted
	switch {
	case fatal != nil:
		status = audit.RunStatusFailed
	case interrupted:
		status = audit.RunStatusInterrupted
	}

	if err := ex.complete(work); err != nil {
		logger.WithError(err).Warn("plugin completion hooks failed")
	}

	if _, err := o.store.FinalizeRun(work, ex.env.runID, status); err != nil {
		fatal = errors.Join(fatal, auditWriteError("finalize run", err))
		status = audit.RunStatusFailed
	}
	if status == audit.RunStatusCompleted {
		if err := ex.checkpoints.Delete(work, ex.env.runID); err != nil {
			logger.WithError(err).Warn("failed to delete checkpoints")
		}
	}

	ex.progress.Final(&ex.summary)
	result := &RunResult{
		RunID:       ex.env.runID,
		Status:      status,
		Summary:     ex.summary,
		Duration:    ex.env.now().Sub(ex.started),
		Checkpoints: ex.checkpoints.Saved(),
		Error:       fatal,
	}

	switch status {
	case audit.RunStatusFailed:
		o.tel.Metrics.RecordError(ErrorCode(fatal))
		logger.WithError(fatal).Zerolog().Error().
			Str("code", ErrorCode(fatal)).
			Int("rows_processed", ex.summary.RowsProcessed).
			Msg("run failed")
	case audit.RunStatusInterrupted:
		_ = o.tel.Events.PublishRunInterrupted(ex.env.runID, ex.summary.RowsProcessed)
		logger.Zerolog().Info().
			Int("rows_processed", ex.summary.RowsProcessed).
			Msg("run interrupted")
	default:
		logger.Zerolog().Info().
			Int("rows_processed", ex.summary.RowsProcessed).
			Int("rows_succeeded", ex.summary.RowsSucceeded).
			Dur("duration", result.Duration).
			Msg("run completed")
	}

	telemetry.EndRunContext(ctx, ex.env.runID, string(status), fatal)
	if fatal != nil {
		return result, fatal
	}
	return result, nil
}

// boundPlugin is a plugin with the node it is bound to.
type boundPlugin struct {
	node   *Node
	plugin interface{}
}

// plugins returns every plugin of the graph: the source first, then
// transforms, conditions and batch plugins in graph order, then sinks.
func (ex *execution) plugins() []boundPlugin {
	var head, sinks []boundPlugin
	for _, n := range ex.graph.order {
		switch n.Kind {
		case audit.NodeTypeSource:
			head = append([]boundPlugin{{n, n.source}}, head...)
		case audit.NodeTypeTransform:
			head = append(head, boundPlugin{n, n.transform})
		case audit.NodeTypeGate:
			head = append(head, boundPlugin{n, n.gate.Condition})
		case audit.NodeTypeAggregation:
			head = append(head, boundPlugin{n, n.aggregation.Plugin})
		case audit.NodeTypeSink:
			sinks = append(sinks, boundPlugin{n, n.sink})
		}
	}
	return append(head, sinks...)
}

// start calls OnStart on every plugin that implements Starter.
func (ex *execution) start(ctx context.Context) error {
	for _, bp := range ex.plugins() {
		s, ok := bp.plugin.(Starter)
		if !ok {
			continue
		}
		if err := s.OnStart(ctx, ex.env.pluginContext(bp.node, 1)); err != nil {
			return NewPermanentError("plugin start failed", err).
				WithCode(ErrCodePluginFailed).WithNode(bp.node.ID).WithOperation("on_start")
		}
	}
	return nil
}

// complete calls OnComplete and Close on every plugin, failed run or not.
func (ex *execution) complete(ctx context.Context) error {
	var errs []error
	for _, bp := range ex.plugins() {
		if c, ok := bp.plugin.(Completer); ok {
			if err := c.OnComplete(ctx, ex.env.pluginContext(bp.node, 1)); err != nil {
				errs = append(errs, fmt.Errorf("%s on_complete: %w", bp.node.ID, err))
			}
		}
		if c, ok := bp.plugin.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s close: %w", bp.node.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// add counts the outcomes of res.
func (s *RunSummary) add(res RowResult) {
	for o, n := range res.Outcomes {
		switch o {
		case audit.OutcomeCompleted:
			s.RowsSucceeded += n
		case audit.OutcomeFailed:
			s.RowsFailed += n
		case audit.OutcomeQuarantined:
			s.RowsQuarantined += n
		case audit.OutcomeRouted:
			s.RowsRouted += n
		case audit.OutcomeForked:
			s.RowsForked += n
		case audit.OutcomeCoalesced:
			s.RowsCoalesced += n
		case audit.OutcomeExpanded:
			s.RowsExpanded += n
		case audit.OutcomeConsumedInBatch:
			s.RowsConsumed += n
		}
	}
	for sink, n := range res.Routed {
		if s.RoutedBySink == nil {
			s.RoutedBySink = make(map[string]int)
		}
		s.RoutedBySink[sink] += n
	}
}
