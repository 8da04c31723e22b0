package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/rowforge/pkg/audit"
)

// Edge labels with a fixed meaning.
const (
	LabelContinue   = "continue"
	LabelOnError    = "on_error"
	LabelQuarantine = "quarantine"
)

// Node is a node of the pipeline graph. The kind-specific payload is
// resolved when the graph is built; the processor switches on Kind and
// never inspects plugin types per token.
type Node struct {
	// ID is deterministic: kind, name and the first eight hex digits of
	// the hash of the node's configuration. A resumed run built from the
	// same settings gets the same ids.
	ID string

	Name       string
	Kind       audit.NodeType
	PluginName string

	// Branch is the fork branch whose chain contains the node, empty on
	// the main chain.
	Branch string

	// Sequence is the node's position in topological order. It is the
	// step index of node states and tokens created at the node.
	Sequence int

	Config     map[string]interface{}
	ConfigHash string

	source       Source
	quarantineTo string

	transform Transform
	onError   string

	gate        *GateSpec
	aggregation *AggregationSpec
	coalesce    *CoalesceSpec
	sink        Sink

	// next is the node reached on "continue".
	next *Node

	edges map[string]*Edge

	insertion int
}

// Edge is a directed, labelled edge of the pipeline graph.
type Edge struct {
	ID    string
	From  string
	To    string
	Label string
	Mode  audit.RoutingMode
}

// Graph is a validated pipeline graph.
type Graph struct {
	nodes    map[string]*Node
	order    []*Node
	edges    []*Edge
	levels   [][]string
	source   *Node
	sinks    map[string]*Node
	coalesce map[string]*Node

	// mergeBranch is the branch merged tokens of each coalesce continue on.
	mergeBranch map[string]string
}

// Node returns a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the nodes in sequence order.
func (g *Graph) Nodes() []*Node {
	return append([]*Node(nil), g.order...)
}

// Edges returns the edges in creation order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, *e)
	}
	return out
}

// Levels returns the node ids grouped by topological level.
func (g *Graph) Levels() [][]string {
	return g.levels
}

// Source returns the source node.
func (g *Graph) Source() *Node {
	return g.source
}

// Sink returns the sink node with the given sink name.
func (g *Graph) Sink(name string) (*Node, bool) {
	n, ok := g.sinks[name]
	return n, ok
}

// Sinks returns the sink nodes in sequence order.
func (g *Graph) Sinks() []*Node {
	var out []*Node
	for _, n := range g.order {
		if n.Kind == audit.NodeTypeSink {
			out = append(out, n)
		}
	}
	return out
}

// Coalesce returns the coalesce node with the given name.
func (g *Graph) Coalesce(name string) (*Node, bool) {
	n, ok := g.coalesce[name]
	return n, ok
}

// EdgeFrom returns the outgoing edge of a node with the given label.
func (g *Graph) EdgeFrom(nodeID, label string) (*Edge, bool) {
	n, ok := g.nodes[nodeID]
	if !ok {
		return nil, false
	}
	e, ok := n.edges[label]
	return e, ok
}

// Register records every node and edge of the graph for a run.
func (g *Graph) Register(ctx context.Context, recorder audit.Recorder, runID string) error {
	for _, n := range g.order {
		if err := recorder.RegisterNode(ctx, &audit.Node{
			NodeID:     n.ID,
			RunID:      runID,
			PluginName: n.PluginName,
			NodeType:   n.Kind,
			Config:     n.Config,
			ConfigHash: n.ConfigHash,
			Sequence:   n.Sequence,
		}); err != nil {
			return auditWriteError("register node", err).WithNode(n.ID)
		}
	}
	for _, e := range g.edges {
		if err := recorder.RegisterEdge(ctx, &audit.Edge{
			EdgeID:     e.ID,
			RunID:      runID,
			FromNodeID: e.From,
			ToNodeID:   e.To,
			Label:      e.Label,
			Mode:       e.Mode,
		}); err != nil {
			return auditWriteError("register edge", err).WithNode(e.From)
		}
	}
	return nil
}

// graphBuilder builds a Graph from a PipelineSpec.
type graphBuilder struct {
	spec  *PipelineSpec
	graph *Graph

	inserted    int
	chainList   []*chain
	stepNames   map[string]bool
	branchEntry map[string]*Node
	forkedBy    map[string]string
	markers     map[string]int
	coalesceOf  map[string]string

	// adjacency maps node ids to the ids they have edges to.
	adjacency map[string][]string
	inDegree  map[string]int
}

// BuildGraph validates a pipeline and builds its graph.
func BuildGraph(spec *PipelineSpec) (*Graph, error) {
	if spec == nil {
		return nil, configError("pipeline is nil")
	}
	b := &graphBuilder{
		spec: spec,
		graph: &Graph{
			nodes:       make(map[string]*Node),
			sinks:       make(map[string]*Node),
			coalesce:    make(map[string]*Node),
			mergeBranch: make(map[string]string),
		},
		stepNames:   make(map[string]bool),
		branchEntry: make(map[string]*Node),
		forkedBy:    make(map[string]string),
		markers:     make(map[string]int),
		coalesceOf:  make(map[string]string),
		adjacency:   make(map[string][]string),
		inDegree:    make(map[string]int),
	}

	if err := b.validateSpec(); err != nil {
		return nil, err
	}
	if err := b.buildNodes(); err != nil {
		return nil, err
	}
	if err := b.buildEdges(); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}
	return b.graph, nil
}

func (b *graphBuilder) validateSpec() error {
	spec := b.spec
	if spec.Source.Plugin == nil {
		return configError("source plugin is required")
	}
	if spec.Source.Name == "" {
		return configError("source name is required")
	}
	if len(spec.Sinks) == 0 {
		return configError("at least one sink is required")
	}

	sinkNames := make(map[string]bool, len(spec.Sinks))
	for _, s := range spec.Sinks {
		if s.Name == "" {
			return configError("sink name is required")
		}
		if s.Plugin == nil {
			return configError(fmt.Sprintf("sink %s has no plugin", s.Name))
		}
		if s.Name == OnErrorDiscard || s.Name == RouteContinue || s.Name == RouteFork {
			return configError(fmt.Sprintf("sink name %q is reserved", s.Name))
		}
		if sinkNames[s.Name] {
			return configError(fmt.Sprintf("duplicate sink name: %s", s.Name))
		}
		sinkNames[s.Name] = true
	}

	if spec.DefaultSink == "" && len(spec.Sinks) == 1 {
		spec.DefaultSink = spec.Sinks[0].Name
	}
	if !sinkNames[spec.DefaultSink] {
		return configError(fmt.Sprintf("default sink %q is not a configured sink", spec.DefaultSink))
	}

	if q := spec.Source.OnValidationFailure; q != "" && q != OnErrorDiscard && !sinkNames[q] {
		return configError(fmt.Sprintf("source on_validation_failure %q names no sink", q))
	}

	coalesceNames := make(map[string]*CoalesceSpec, len(spec.Coalesce))
	for i := range spec.Coalesce {
		c := &spec.Coalesce[i]
		if err := b.validateCoalesce(c); err != nil {
			return err
		}
		if coalesceNames[c.Name] != nil {
			return configError(fmt.Sprintf("duplicate coalesce name: %s", c.Name))
		}
		coalesceNames[c.Name] = c
	}

	chains := b.chains()
	for _, ch := range chains {
		for _, step := range ch.steps {
			if err := b.validateStep(step, sinkNames, coalesceNames); err != nil {
				return err
			}
		}
	}

	for name := range spec.Branches {
		if name == "" {
			return configError("branch name is required")
		}
		if _, ok := b.forkedBy[name]; !ok {
			return configError(fmt.Sprintf("branch %s is never forked", name))
		}
	}
	for _, c := range spec.Coalesce {
		switch n := b.markers[c.Name]; {
		case n == 0:
			return configError(fmt.Sprintf("coalesce %s has no step placing it in a chain", c.Name))
		case n > 1:
			return configError(fmt.Sprintf("coalesce %s is placed %d times", c.Name, n))
		}
	}
	return nil
}

func (b *graphBuilder) validateCoalesce(c *CoalesceSpec) error {
	if c.Name == "" {
		return configError("coalesce name is required")
	}
	if len(c.Branches) < 2 {
		return configError(fmt.Sprintf("coalesce %s needs at least two branches", c.Name))
	}
	seen := make(map[string]bool, len(c.Branches))
	for _, br := range c.Branches {
		if _, ok := b.spec.Branches[br]; !ok {
			return configError(fmt.Sprintf("coalesce %s joins branch %s that no fork produces", c.Name, br))
		}
		if seen[br] {
			return configError(fmt.Sprintf("coalesce %s lists branch %s twice", c.Name, br))
		}
		seen[br] = true
		if other, ok := b.coalesceOf[br]; ok {
			return configError(fmt.Sprintf("branch %s is joined by both %s and %s", br, other, c.Name))
		}
		b.coalesceOf[br] = c.Name
	}
	if err := c.Policy.Validate(); err != nil {
		return configError(fmt.Sprintf("coalesce %s: %v", c.Name, err))
	}
	switch c.Policy {
	case PolicyQuorum:
		if c.Quorum < 1 || c.Quorum > len(c.Branches) {
			return configError(fmt.Sprintf("coalesce %s quorum must be between 1 and %d, got %d",
				c.Name, len(c.Branches), c.Quorum))
		}
	case PolicyBestEffort:
		if c.Timeout <= 0 {
			return configError(fmt.Sprintf("coalesce %s best_effort policy requires a timeout", c.Name))
		}
	}
	if c.Merge == "" {
		c.Merge = MergeUnion
	}
	if err := c.Merge.Validate(); err != nil {
		return configError(fmt.Sprintf("coalesce %s: %v", c.Name, err))
	}
	if c.Merge == MergeSelect && !seen[c.SelectBranch] {
		return configError(fmt.Sprintf("coalesce %s select_branch %q is not one of its branches", c.Name, c.SelectBranch))
	}
	return nil
}

func (b *graphBuilder) validateStep(step StepSpec, sinks map[string]bool, coalesce map[string]*CoalesceSpec) error {
	if step.Name == "" {
		return configError(fmt.Sprintf("%s step has no name", step.Kind))
	}

	if step.Kind == StepCoalesce {
		if coalesce[step.Name] == nil {
			return configError(fmt.Sprintf("coalesce step %s names no coalesce", step.Name))
		}
		b.markers[step.Name]++
		return nil
	}

	if b.stepNames[step.Name] {
		return configError(fmt.Sprintf("duplicate step name: %s", step.Name))
	}
	b.stepNames[step.Name] = true

	switch step.Kind {
	case StepTransform:
		if step.Transform == nil {
			return configError(fmt.Sprintf("transform %s has no plugin", step.Name))
		}
		if step.OnError != "" && step.OnError != OnErrorDiscard && !sinks[step.OnError] {
			return configError(fmt.Sprintf("transform %s on_error %q names no sink", step.Name, step.OnError))
		}

	case StepGate:
		g := step.Gate
		if g == nil || g.Condition == nil {
			return configError(fmt.Sprintf("gate %s has no condition", step.Name))
		}
		if len(g.Routes) == 0 {
			return configError(fmt.Sprintf("gate %s has no routes", step.Name))
		}
		_, hasTrue := g.Routes["true"]
		_, hasFalse := g.Routes["false"]
		if hasTrue != hasFalse {
			return configError(fmt.Sprintf("gate %s must route both true and false", step.Name))
		}
		if hasTrue && len(g.Routes) != 2 {
			return configError(fmt.Sprintf("gate %s mixes boolean and non-boolean labels", step.Name))
		}

		forks := false
		for label, target := range g.Routes {
			switch target {
			case RouteContinue:
			case RouteFork:
				forks = true
			default:
				if !sinks[target] {
					return configError(fmt.Sprintf("gate %s route %s targets unknown sink %q", step.Name, label, target))
				}
			}
		}
		if forks && len(g.ForkTo) == 0 {
			return configError(fmt.Sprintf("gate %s forks without fork_to branches", step.Name))
		}
		if !forks && len(g.ForkTo) > 0 {
			return configError(fmt.Sprintf("gate %s lists fork_to branches but no route forks", step.Name))
		}
		for _, br := range g.ForkTo {
			if _, ok := b.spec.Branches[br]; !ok {
				return configError(fmt.Sprintf("gate %s forks to undefined branch %s", step.Name, br))
			}
			if _, clash := g.Routes[br]; clash {
				return configError(fmt.Sprintf("gate %s uses branch name %s as a route label", step.Name, br))
			}
			if other, ok := b.forkedBy[br]; ok {
				return configError(fmt.Sprintf("branch %s is forked by both %s and %s", br, other, step.Name))
			}
			b.forkedBy[br] = step.Name
		}

	case StepAggregation:
		a := step.Aggregation
		if a == nil || a.Plugin == nil {
			return configError(fmt.Sprintf("aggregation %s has no plugin", step.Name))
		}
		if a.OutputMode == "" {
			a.OutputMode = OutputSingle
		}
		if err := a.OutputMode.Validate(); err != nil {
			return configError(fmt.Sprintf("aggregation %s: %v", step.Name, err))
		}
		if a.Trigger.Count < 0 || a.Trigger.Timeout < 0 {
			return configError(fmt.Sprintf("aggregation %s trigger must not be negative", step.Name))
		}

	default:
		return configError(fmt.Sprintf("step %s has unknown kind %q", step.Name, step.Kind))
	}
	return nil
}

type chain struct {
	branch string
	steps  []StepSpec
	nodes  []*Node
}

// chains returns the main chain followed by the branch chains in name
// order, so that insertion order is deterministic.
func (b *graphBuilder) chains() []*chain {
	out := []*chain{{steps: b.spec.Steps}}
	names := make([]string, 0, len(b.spec.Branches))
	for name := range b.spec.Branches {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, &chain{branch: name, steps: b.spec.Branches[name]})
	}
	return out
}

func (b *graphBuilder) addNode(n *Node) error {
	hash, err := audit.StableHash(audit.DomainConfig, map[string]interface{}{
		"kind":   string(n.Kind),
		"name":   n.Name,
		"plugin": n.PluginName,
		"branch": n.Branch,
		"config": n.Config,
	})
	if err != nil {
		return configError(fmt.Sprintf("hash config of %s %s: %v", n.Kind, n.Name, err))
	}
	n.ConfigHash = hash
	n.ID = fmt.Sprintf("%s-%s-%s", n.Kind, n.Name, hash[:8])
	if _, dup := b.graph.nodes[n.ID]; dup {
		return configError(fmt.Sprintf("duplicate node id %s", n.ID))
	}
	n.edges = make(map[string]*Edge)
	n.insertion = b.inserted
	b.inserted++
	b.graph.nodes[n.ID] = n
	b.adjacency[n.ID] = nil
	b.inDegree[n.ID] = 0
	return nil
}

func (b *graphBuilder) buildNodes() error {
	spec := b.spec
	src := &Node{
		Name:         spec.Source.Name,
		Kind:         audit.NodeTypeSource,
		PluginName:   spec.Source.Plugin.Name(),
		Config:       withSettings(spec.Source.Config, "on_validation_failure", spec.Source.OnValidationFailure),
		source:       spec.Source.Plugin,
		quarantineTo: spec.Source.OnValidationFailure,
	}
	if src.quarantineTo == "" {
		src.quarantineTo = OnErrorDiscard
	}
	if err := b.addNode(src); err != nil {
		return err
	}
	b.graph.source = src

	coalesceSpecs := make(map[string]*CoalesceSpec, len(spec.Coalesce))
	for i := range spec.Coalesce {
		coalesceSpecs[spec.Coalesce[i].Name] = &spec.Coalesce[i]
	}

	b.chainList = b.chains()
	for _, ch := range b.chainList {
		for _, step := range ch.steps {
			n, err := b.stepNode(step, ch.branch, coalesceSpecs)
			if err != nil {
				return err
			}
			ch.nodes = append(ch.nodes, n)
		}
	}

	for _, s := range spec.Sinks {
		n := &Node{
			Name:       s.Name,
			Kind:       audit.NodeTypeSink,
			PluginName: s.Plugin.Name(),
			Config:     s.Config,
			sink:       s.Plugin,
		}
		if err := b.addNode(n); err != nil {
			return err
		}
		b.graph.sinks[s.Name] = n
	}
	return nil
}

func (b *graphBuilder) stepNode(step StepSpec, branch string, coalesce map[string]*CoalesceSpec) (*Node, error) {
	n := &Node{Name: step.Name, Branch: branch}
	switch step.Kind {
	case StepTransform:
		n.Kind = audit.NodeTypeTransform
		n.PluginName = step.Transform.Name()
		n.Config = withSettings(step.Config, "on_error", step.OnError)
		n.transform = step.Transform
		n.onError = step.OnError
	case StepGate:
		n.Kind = audit.NodeTypeGate
		n.PluginName = "condition"
		n.Config = withSettings(step.Config,
			"condition", step.Gate.Condition.Expression(),
			"routes", step.Gate.Routes,
			"fork_to", step.Gate.ForkTo)
		n.gate = step.Gate
	case StepAggregation:
		a := step.Aggregation
		n.Kind = audit.NodeTypeAggregation
		n.PluginName = a.Plugin.Name()
		n.Config = withSettings(step.Config,
			"trigger_count", a.Trigger.Count,
			"trigger_timeout", a.Trigger.Timeout.String(),
			"output_mode", string(a.OutputMode))
		n.aggregation = a
	case StepCoalesce:
		c := coalesce[step.Name]
		n.Kind = audit.NodeTypeCoalesce
		n.PluginName = "coalesce"
		n.Config = map[string]interface{}{
			"branches":      c.Branches,
			"policy":        string(c.Policy),
			"quorum":        c.Quorum,
			"timeout":       c.Timeout.String(),
			"merge":         string(c.Merge),
			"select_branch": c.SelectBranch,
		}
		n.coalesce = c
		b.graph.coalesce[c.Name] = n
		b.graph.mergeBranch[c.Name] = branch
	}
	if err := b.addNode(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (b *graphBuilder) addEdge(from, to *Node, label string, mode audit.RoutingMode) error {
	if _, dup := from.edges[label]; dup {
		return configError(fmt.Sprintf("node %s has two edges labelled %s", from.ID, label))
	}
	hash, err := audit.StableHash(audit.DomainConfig, []interface{}{from.ID, label, to.ID})
	if err != nil {
		return configError(fmt.Sprintf("hash edge %s -> %s: %v", from.ID, to.ID, err))
	}
	e := &Edge{ID: "e-" + hash[:12], From: from.ID, To: to.ID, Label: label, Mode: mode}
	from.edges[label] = e
	b.graph.edges = append(b.graph.edges, e)
	b.adjacency[from.ID] = append(b.adjacency[from.ID], to.ID)
	b.inDegree[to.ID]++
	return nil
}

// chainEnd returns the node a chain continues to after its last step.
func (b *graphBuilder) chainEnd(ch *chain) *Node {
	if ch.branch == "" {
		return b.graph.sinks[b.spec.DefaultSink]
	}
	if name, ok := b.coalesceOf[ch.branch]; ok {
		return b.graph.coalesce[name]
	}
	if sink, ok := b.graph.sinks[ch.branch]; ok {
		return sink
	}
	return b.graph.sinks[b.spec.DefaultSink]
}

func (b *graphBuilder) buildEdges() error {
	for _, ch := range b.chainList {
		end := b.chainEnd(ch)
		for i, n := range ch.nodes {
			n.next = end
			if i+1 < len(ch.nodes) {
				n.next = ch.nodes[i+1]
			}
		}
		if ch.branch != "" {
			entry := end
			if len(ch.nodes) > 0 {
				entry = ch.nodes[0]
			}
			b.branchEntry[ch.branch] = entry
		}
	}

	src := b.graph.source
	main := b.chainList[0]
	first := b.chainEnd(main)
	if len(main.nodes) > 0 {
		first = main.nodes[0]
	}
	src.next = first
	if err := b.addEdge(src, first, LabelContinue, audit.RoutingModeMove); err != nil {
		return err
	}
	if sink, ok := b.graph.sinks[src.quarantineTo]; ok {
		if err := b.addEdge(src, sink, LabelQuarantine, audit.RoutingModeDivert); err != nil {
			return err
		}
	}

	for _, ch := range b.chainList {
		for _, n := range ch.nodes {
			if err := b.nodeEdges(n); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *graphBuilder) nodeEdges(n *Node) error {
	switch n.Kind {
	case audit.NodeTypeGate:
		labels := make([]string, 0, len(n.gate.Routes))
		for label := range n.gate.Routes {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			switch target := n.gate.Routes[label]; target {
			case RouteContinue:
				if err := b.addEdge(n, n.next, label, audit.RoutingModeMove); err != nil {
					return err
				}
			case RouteFork:
				for _, br := range n.gate.ForkTo {
					if _, done := n.edges[br]; done {
						continue
					}
					if err := b.addEdge(n, b.branchEntry[br], br, audit.RoutingModeCopy); err != nil {
						return err
					}
				}
			default:
				if err := b.addEdge(n, b.graph.sinks[target], label, audit.RoutingModeMove); err != nil {
					return err
				}
			}
		}
		return nil

	case audit.NodeTypeTransform:
		if err := b.addEdge(n, n.next, LabelContinue, audit.RoutingModeMove); err != nil {
			return err
		}
		if sink, ok := b.graph.sinks[n.onError]; ok {
			return b.addEdge(n, sink, LabelOnError, audit.RoutingModeDivert)
		}
		return nil

	default:
		return b.addEdge(n, n.next, LabelContinue, audit.RoutingModeMove)
	}
}

// detectCycles uses depth-first search to detect cycles.
func (b *graphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.insertionOrder() {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return configError(fmt.Sprintf("pipeline graph has a cycle: %s", formatCycle(cycle)))
		}
	}
	return nil
}

func (b *graphBuilder) detectCyclesUtil(nodeID string, visited, recStack map[string]bool, path []string) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, next := range b.adjacency[nodeID] {
		if !visited[next] {
			if cycle := b.detectCyclesUtil(next, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[next] {
			for i, id := range path {
				if id == next {
					return append(append([]string(nil), path[i:]...), next)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels runs Kahn's algorithm. Levels group nodes by distance from
// the source; Sequence numbers follow the same order with ties broken by
// insertion.
func (b *graphBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	var current []string
	for _, id := range b.insertionOrder() {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.sortByInsertion(current)
		b.graph.levels = append(b.graph.levels, current)
		var next []string
		for _, id := range current {
			n := b.graph.nodes[id]
			n.Sequence = processed
			processed++
			b.graph.order = append(b.graph.order, n)
			for _, to := range b.adjacency[id] {
				inDegree[to]--
				if inDegree[to] == 0 {
					next = append(next, to)
				}
			}
		}
		current = next
	}

	if processed != len(b.graph.nodes) {
		return NewPermanentError("failed to order all graph nodes", nil).WithCode(ErrCodeInternal)
	}
	return nil
}

func (b *graphBuilder) insertionOrder() []string {
	ids := make([]string, 0, len(b.graph.nodes))
	for id := range b.graph.nodes {
		ids = append(ids, id)
	}
	b.sortByInsertion(ids)
	return ids
}

func (b *graphBuilder) sortByInsertion(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return b.graph.nodes[ids[i]].insertion < b.graph.nodes[ids[j]].insertion
	})
}

// ToDOT renders the graph in Graphviz DOT format. Nodes are grouped by
// level; divert edges are dashed and fork edges dotted.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Pipeline {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			n := g.nodes[id]
			label := fmt.Sprintf("%s\\n%s", n.Name, n.Kind)
			if n.Branch != "" {
				label = fmt.Sprintf("%s\\n[%s]", label, n.Branch)
			}
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, nodeColor(n.Kind)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, e := range g.edges {
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [label=\"%s\", %s];\n",
			e.From, e.To, e.Label, edgeStyle(e.Mode)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func nodeColor(kind audit.NodeType) string {
	switch kind {
	case audit.NodeTypeSource:
		return "lightgreen"
	case audit.NodeTypeTransform:
		return "lightblue"
	case audit.NodeTypeGate:
		return "khaki"
	case audit.NodeTypeAggregation:
		return "plum"
	case audit.NodeTypeCoalesce:
		return "lightsalmon"
	case audit.NodeTypeSink:
		return "lightgray"
	default:
		return "white"
	}
}

func edgeStyle(mode audit.RoutingMode) string {
	switch mode {
	case audit.RoutingModeDivert:
		return "style=dashed, color=red"
	case audit.RoutingModeCopy:
		return "style=dotted, color=blue"
	default:
		return "style=solid, color=black"
	}
}

// withSettings returns a copy of cfg with the given key/value pairs added.
// Empty string values are skipped.
func withSettings(cfg map[string]interface{}, kv ...interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(cfg)+len(kv)/2)
	for k, v := range cfg {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if s, ok := kv[i+1].(string); ok && s == "" {
			continue
		}
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}

func configError(msg string) *EngineError {
	return NewPermanentError(msg, nil).WithCode(ErrCodeConfig)
}

func auditWriteError(op string, err error) *EngineError {
	return NewPermanentError(op, err).WithCode(ErrCodeAuditWrite).WithOperation(op)
}
