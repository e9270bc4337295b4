// Trace tree reconstruction from decoded spans
// Groups spans by trace ID and links children to parents via span IDs
package ndjson

import (
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TraceTree holds one trace's spans with parent-child links.
type TraceTree struct {
	TraceID  trace.TraceID
	Roots    []*SpanNode
	AllNodes []*SpanNode
}

// SpanNode wraps a span with its children in the trace tree.
type SpanNode struct {
	Span     sdktrace.ReadOnlySpan
	Children []*SpanNode
}

// BuildTrees reconstructs trace trees, ordered by each trace's first
// appearance in spans. Spans whose parent is not in the dataset become
// additional roots, with a warning written to w (may be nil).
func BuildTrees(spans []sdktrace.ReadOnlySpan, w io.Writer) []*TraceTree {
	byTrace := make(map[trace.TraceID][]sdktrace.ReadOnlySpan)
	var order []trace.TraceID
	for _, s := range spans {
		id := s.SpanContext().TraceID()
		if _, seen := byTrace[id]; !seen {
			order = append(order, id)
		}
		byTrace[id] = append(byTrace[id], s)
	}

	trees := make([]*TraceTree, 0, len(order))
	for _, id := range order {
		trees = append(trees, buildTree(id, byTrace[id], w))
	}
	return trees
}

func buildTree(traceID trace.TraceID, spans []sdktrace.ReadOnlySpan, w io.Writer) *TraceTree {
	nodes := make(map[trace.SpanID]*SpanNode, len(spans))
	allNodes := make([]*SpanNode, 0, len(spans))
	for _, s := range spans {
		node := &SpanNode{Span: s}
		nodes[s.SpanContext().SpanID()] = node
		allNodes = append(allNodes, node)
	}

	var roots []*SpanNode
	for _, node := range allNodes {
		parentID := node.Span.Parent().SpanID()
		if !parentID.IsValid() {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[parentID]
		if !ok {
			if w != nil {
				_, _ = fmt.Fprintf(w, "warning: span %s in trace %s has parent %s not found in dataset, treating as root\n",
					node.Span.SpanContext().SpanID(), traceID, parentID)
			}
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	return &TraceTree{
		TraceID:  traceID,
		Roots:    roots,
		AllNodes: allNodes,
	}
}

// HasRoot reports whether the trace contains a span with no parent at all,
// as opposed to only orphans promoted to roots.
func (t *TraceTree) HasRoot() bool {
	for _, r := range t.Roots {
		if !r.Span.Parent().SpanID().IsValid() {
			return true
		}
	}
	return false
}

// Window returns the earliest start and latest end across the trace.
func (t *TraceTree) Window() (start, end time.Time) {
	for _, n := range t.AllNodes {
		if s := n.Span.StartTime(); start.IsZero() || s.Before(start) {
			start = s
		}
		if e := n.Span.EndTime(); e.After(end) {
			end = e
		}
	}
	return start, end
}

// Errors counts spans with an error status.
func (t *TraceTree) Errors() int {
	n := 0
	for _, node := range t.AllNodes {
		if node.Span.Status().Code == codes.Error {
			n++
		}
	}
	return n
}
