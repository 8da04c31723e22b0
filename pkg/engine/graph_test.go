package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/openfroyo/rowforge/pkg/audit"
)

// forkJoinSpec forks every "big" row into branches a and b and joins them
// back before the output sink.
func forkJoinSpec(policy CoalescePolicy) (*PipelineSpec, map[string]*memorySink) {
	sinks := map[string]*memorySink{
		"output":     newMemorySink("output"),
		"errors":     newMemorySink("errors"),
		"quarantine": newMemorySink("quarantine"),
	}
	spec := &PipelineSpec{
		Source: SourceSpec{Name: "input", Plugin: &sliceSource{}, OnValidationFailure: "quarantine"},
		Steps: []StepSpec{
			TransformStep("enrich", setField("enrich", "enriched", true), "errors"),
			GateStep("route", fieldCondition{field: "size"},
				map[string]string{"big": RouteFork, "small": "output"}, "a", "b"),
			CoalesceStep("join"),
		},
		Branches: map[string][]StepSpec{
			"a": {TransformStep("score_a", setField("score_a", "a_score", 1), "")},
			"b": {TransformStep("score_b", setField("score_b", "b_score", 2), "")},
		},
		Coalesce: []CoalesceSpec{{Name: "join", Branches: []string{"a", "b"}, Policy: policy}},
		Sinks: []SinkSpec{
			{Name: "output", Plugin: sinks["output"]},
			{Name: "errors", Plugin: sinks["errors"]},
			{Name: "quarantine", Plugin: sinks["quarantine"]},
		},
		DefaultSink: "output",
	}
	return spec, sinks
}

func TestBuildGraph_Linear(t *testing.T) {
	spec := linearSpec(&sliceSource{}, newMemorySink("output"),
		TransformStep("double", setField("double", "x", 2), ""),
	)

	graph, err := BuildGraph(spec)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(graph.Nodes()) != 3 {
		t.Errorf("Expected 3 nodes, got %d", len(graph.Nodes()))
	}
	if len(graph.Edges()) != 2 {
		t.Errorf("Expected 2 edges, got %d", len(graph.Edges()))
	}
	if len(graph.Levels()) != 3 {
		t.Errorf("Expected 3 levels, got %d", len(graph.Levels()))
	}

	for i, n := range graph.Nodes() {
		if n.Sequence != i {
			t.Errorf("Expected node %s to have sequence %d, got %d", n.ID, i, n.Sequence)
		}
	}
	if spec.DefaultSink != "output" {
		t.Errorf("Expected the only sink to become the default sink, got %q", spec.DefaultSink)
	}
	if !strings.HasPrefix(graph.Source().ID, "source-input-") {
		t.Errorf("Unexpected source id %s", graph.Source().ID)
	}
}

func TestBuildGraph_DeterministicNodeIDs(t *testing.T) {
	first, _ := forkJoinSpec(PolicyRequireAll)
	second, _ := forkJoinSpec(PolicyRequireAll)

	g1, err := BuildGraph(first)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	g2, err := BuildGraph(second)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	n1, n2 := g1.Nodes(), g2.Nodes()
	if len(n1) != len(n2) {
		t.Fatalf("Expected equal node counts, got %d and %d", len(n1), len(n2))
	}
	for i := range n1 {
		if n1[i].ID != n2[i].ID {
			t.Errorf("Node %d: expected id %s, got %s", i, n1[i].ID, n2[i].ID)
		}
	}

	changed, _ := forkJoinSpec(PolicyFirst)
	g3, err := BuildGraph(changed)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	j1, _ := g1.Coalesce("join")
	j3, _ := g3.Coalesce("join")
	if j1.ID == j3.ID {
		t.Errorf("Expected a config change to change the coalesce node id %s", j1.ID)
	}
}

func TestBuildGraph_ForkJoinWiring(t *testing.T) {
	spec, _ := forkJoinSpec(PolicyRequireAll)
	graph, err := BuildGraph(spec)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	join, ok := graph.Coalesce("join")
	if !ok {
		t.Fatal("Expected coalesce node join")
	}
	output, _ := graph.Sink("output")
	if join.next != output {
		t.Errorf("Expected join to continue to the output sink")
	}

	var route *Node
	for _, n := range graph.Nodes() {
		if n.Name == "route" {
			route = n
		}
	}
	for _, br := range []string{"a", "b"} {
		edge, ok := graph.EdgeFrom(route.ID, br)
		if !ok {
			t.Fatalf("Expected fork edge for branch %s", br)
		}
		if edge.Mode != audit.RoutingModeCopy {
			t.Errorf("Expected fork edge %s to copy, got %s", br, edge.Mode)
		}
		target, _ := graph.Node(edge.To)
		if target.Branch != br {
			t.Errorf("Expected fork edge %s to enter branch %s, got %q", br, br, target.Branch)
		}
		if target.next != join {
			t.Errorf("Expected branch %s to end at the join", br)
		}
	}

	if _, ok := graph.EdgeFrom(graph.Source().ID, LabelQuarantine); !ok {
		t.Error("Expected a quarantine edge from the source")
	}
}

func TestBuildGraph_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(spec *PipelineSpec)
		want   string
	}{
		{
			name: "duplicate step name",
			mutate: func(spec *PipelineSpec) {
				spec.Steps = append([]StepSpec{TransformStep("enrich", setField("x", "x", 1), "")}, spec.Steps...)
			},
			want: "duplicate step name",
		},
		{
			name: "on_error names no sink",
			mutate: func(spec *PipelineSpec) {
				spec.Steps[0].OnError = "nowhere"
			},
			want: "names no sink",
		},
		{
			name: "boolean gate missing false",
			mutate: func(spec *PipelineSpec) {
				spec.Steps[1] = GateStep("route", fieldCondition{field: "ok"}, map[string]string{"true": RouteContinue})
			},
			want: "must route both true and false",
		},
		{
			name: "boolean gate with extra label",
			mutate: func(spec *PipelineSpec) {
				spec.Steps[1] = GateStep("route", fieldCondition{field: "ok"},
					map[string]string{"true": RouteFork, "false": "output", "maybe": "errors"}, "a", "b")
			},
			want: "mixes boolean",
		},
		{
			name: "fork without branches",
			mutate: func(spec *PipelineSpec) {
				spec.Steps[1].Gate.ForkTo = nil
			},
			want: "forks without fork_to",
		},
		{
			name: "route to unknown sink",
			mutate: func(spec *PipelineSpec) {
				spec.Steps[1].Gate.Routes["small"] = "archive"
			},
			want: "unknown sink",
		},
		{
			name: "coalesce branch never forked",
			mutate: func(spec *PipelineSpec) {
				spec.Coalesce[0].Branches = []string{"a", "c"}
			},
			want: "no fork produces",
		},
		{
			name: "coalesce without marker",
			mutate: func(spec *PipelineSpec) {
				spec.Steps = spec.Steps[:2]
			},
			want: "has no step placing it",
		},
		{
			name: "quorum out of range",
			mutate: func(spec *PipelineSpec) {
				spec.Coalesce[0].Policy = PolicyQuorum
				spec.Coalesce[0].Quorum = 3
			},
			want: "quorum must be between",
		},
		{
			name: "best effort without timeout",
			mutate: func(spec *PipelineSpec) {
				spec.Coalesce[0].Policy = PolicyBestEffort
			},
			want: "requires a timeout",
		},
		{
			name: "unknown default sink",
			mutate: func(spec *PipelineSpec) {
				spec.DefaultSink = "archive"
			},
			want: "default sink",
		},
		{
			name: "reserved sink name",
			mutate: func(spec *PipelineSpec) {
				spec.Sinks = append(spec.Sinks, SinkSpec{Name: "discard", Plugin: newMemorySink("discard")})
			},
			want: "reserved",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, _ := forkJoinSpec(PolicyRequireAll)
			tt.mutate(spec)

			_, err := BuildGraph(spec)
			if err == nil {
				t.Fatalf("Expected an error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got: %v", tt.want, err)
			}
			if ErrorCode(err) != ErrCodeConfig {
				t.Errorf("Expected code %s, got %s", ErrCodeConfig, ErrorCode(err))
			}
			var engErr *EngineError
			if !errors.As(err, &engErr) || !IsPermanent(engErr) {
				t.Errorf("Expected a permanent engine error, got %T", err)
			}
		})
	}
}

func TestGraph_ToDOT(t *testing.T) {
	spec, _ := forkJoinSpec(PolicyRequireAll)
	graph, err := BuildGraph(spec)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	g := goldie.New(t)
	g.Assert(t, "fork_join_pipeline", []byte(graph.ToDOT()))
}
