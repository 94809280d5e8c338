// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// fusegraph_inspect builds a graph with one fused operation applied to the given values, and prints its
// nodes, its decomposition and the values it evaluates to (optionally with its gradient).
//
// Example:
//
//	fusegraph_inspect -op=gelu -dtype=bf16 -values=-1,0,1 -decompose -grad
package main

import (
	"flag"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/fusegraph/fusegraph/backends"
	_ "github.com/fusegraph/fusegraph/backends/opv"
	"github.com/fusegraph/fusegraph/pkg/core/dtypes"
	"github.com/fusegraph/fusegraph/pkg/core/graph"
	"github.com/fusegraph/fusegraph/pkg/core/shapes"
	"github.com/fusegraph/fusegraph/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagOp    = flag.String("op", "gelu", `Fused operation to inspect: "gelu" or "gelu_backprop".`)
	flagDType = flag.String("dtype", "float32", "Element type of the inputs, e.g.: float32, f16, bf16, float64 or "+
		"dynamic. Dynamic inputs are fed as float64.")
	flagValues = flag.String("values", "-1,0,1", "Comma-separated values of the input x.")
	flagDelta  = flag.String("delta", "", "Comma-separated values of the incoming delta of gelu_backprop. "+
		"Defaults to ones.")
	flagDecompose = flag.Bool("decompose", false, "Lists the nodes of the decomposition of the fused operation.")
	flagGrad      = flag.Bool("grad", false, "Also evaluates the gradient of the operation with respect to x.")
	flagPlain     = flag.Bool("plain", false, "Disables colors and styles in the output tables.")
	flagBackend   = flag.String("backend", "", fmt.Sprintf("Backend configuration, formatted as "+
		"\"<backend_name>:<backend_options>\". If empty, $%s or the first registered backend is used.",
		backends.ConfigEnvVar))
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Exitf("Unexpected arguments %q. See 'fusegraph_inspect -help'.", flag.Args())
	}
	if *flagPlain {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	if err := inspect(); err != nil {
		klog.Errorf("fusegraph_inspect failed: %+v", err)
		os.Exit(1)
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// parseValues parses a comma-separated list of floats.
func parseValues(list string) ([]float64, error) {
	var values []float64
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing value %q", part)
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, errors.Errorf("no values given in %q", list)
	}
	return values, nil
}

func inspect() error {
	dtype, err := dtypes.FromName(*flagDType)
	if err != nil {
		return err
	}
	xValues, err := parseValues(*flagValues)
	if err != nil {
		return err
	}
	var backend backends.Backend
	if *flagBackend != "" {
		backend, err = backends.NewWithConfig(*flagBackend)
	} else {
		backend, err = backends.New()
	}
	if err != nil {
		return err
	}
	defer backend.Finalize()

	g := graph.NewGraph(graph.NewStandardRegistry(), "fusegraph_inspect")
	shape := shapes.Make(dtype, len(xValues))
	feedDType := dtype
	if dtype.IsDynamic() {
		feedDType = dtypes.Float64
	}
	x := must.M1(graph.Parameter(g, "x", shape))
	var delta graph.NodeId = graph.InvalidNodeId
	var deltaValues []float64
	var output graph.NodeId
	switch *flagOp {
	case "gelu":
		output, err = graph.Gelu(g, x)
	case "gelu_backprop":
		deltaValues = make([]float64, len(xValues))
		for ii := range deltaValues {
			deltaValues[ii] = 1
		}
		if *flagDelta != "" {
			if deltaValues, err = parseValues(*flagDelta); err != nil {
				return err
			}
		}
		delta = must.M1(graph.Parameter(g, "delta", shapes.Make(dtype, len(deltaValues))))
		output, err = graph.GeluBackprop(g, x, delta)
	default:
		return errors.Errorf("unknown -op=%q, valid values are \"gelu\" and \"gelu_backprop\"", *flagOp)
	}
	if err != nil {
		return err
	}

	// Feed the inputs: only floating-point dtypes get this far.
	inputs := make(map[graph.NodeId]*tensors.Tensor)
	inputs[x], err = tensors.FromFloat64s(shape.WithDType(feedDType), xValues)
	if err != nil {
		return err
	}
	if delta != graph.InvalidNodeId {
		inputs[delta], err = tensors.FromFloat64s(shapes.Make(feedDType, len(deltaValues)), deltaValues)
		if err != nil {
			return err
		}
	}
	fusedNodes := g.NumNodes()

	outputs := []graph.NodeId{output}
	if *flagGrad {
		grads, err := graph.Gradient(g, output, x)
		if graph.IsNotImplemented(err) {
			klog.Warningf("%v: differentiating its lowered graph instead", err)
			lowered := must.M1(graph.Lower(g, output))
			grads, err = graph.Gradient(g, lowered[0], x)
		}
		if err != nil {
			return err
		}
		outputs = append(outputs, grads[0])
	}
	results, err := backend.Execute(g, outputs, inputs)
	if err != nil {
		return err
	}
	resultValues := make([][]float64, len(results))
	var resultsMemory uint64
	for ii, t := range results {
		resultValues[ii] = must.M1(t.Float64s())
		resultsMemory += uint64(t.Len())
	}

	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false)
	table.Row("operation", *flagOp)
	table.Row("shape", shape.String())
	table.Row("backend", backend.Description())
	table.Row("# nodes (fused)", humanize.Comma(int64(fusedNodes)))
	table.Row("# nodes (total)", humanize.Comma(int64(g.NumNodes())))
	table.Row("results", humanize.Bytes(resultsMemory))
	fmt.Println(table.Render())

	if *flagDecompose {
		decomposed, err := graph.Decompose(g, output)
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render(fmt.Sprintf("Decomposition of %s", g.Node(output))))
		table := newPlainTable(true)
		table.Row("Id", "Op", "Inputs", "Shape", "Params")
		for _, id := range ancestors(g, decomposed[0]) {
			addNodeRow(table, g.Node(id))
		}
		fmt.Println(table.Render())
	}

	fmt.Println(titleStyle.Render("Values"))
	table = newPlainTable(true)
	header := []string{"x"}
	if deltaValues != nil {
		header = append(header, "delta")
	}
	header = append(header, *flagOp)
	if *flagGrad {
		header = append(header, "gradient")
	}
	table.Row(header...)
	for ii, v := range xValues {
		row := []string{formatValue(v)}
		if deltaValues != nil && ii < len(deltaValues) {
			row = append(row, formatValue(deltaValues[ii]))
		}
		for _, values := range resultValues {
			row = append(row, formatValue(values[ii]))
		}
		table.Row(row...)
	}
	fmt.Println(table.Render())
	return nil
}

// ancestors returns the ids of output and all the nodes it depends on, in topological order.
func ancestors(g *graph.Graph, output graph.NodeId) []graph.NodeId {
	visited := make(map[graph.NodeId]bool)
	var visit func(id graph.NodeId)
	visit = func(id graph.NodeId) {
		if visited[id] {
			return
		}
		visited[id] = true
		node := g.Node(id)
		for ii := range node.NumInputs() {
			visit(node.Input(ii))
		}
	}
	visit(output)
	return slices.Sorted(maps.Keys(visited))
}

func addNodeRow(table *lgtable.Table, node graph.Node) {
	inputs := make([]string, node.NumInputs())
	for ii := range inputs {
		inputs[ii] = fmt.Sprintf("#%d", node.Input(ii))
	}
	var params string
	if node.Params() != nil {
		params = node.Params().String()
	}
	table.Row(fmt.Sprintf("#%d", node.Id()), node.Type().String(), strings.Join(inputs, ", "),
		node.Shape().String(), params)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
