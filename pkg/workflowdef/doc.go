/*
Package workflowdef implements the portable workflow definition: a graph
of function calls, literal inputs, declared outputs and bounded while
loops that any workflow engine can import, evaluate and export.

# Overview

A workflow document is a JSON object with a version, a list of nodes and
a list of edges. Nodes are inputs (literal values), outputs (declared
terminals), functions (qualified references such as "module.function"),
while loops and nested workflows. An edge binds a port of one node's
result to a parameter of another node:

	{"source": 0, "sourcePort": "prod", "target": 1, "targetPort": "x"}

A null sourcePort is the default port: the consumer receives the
producer's whole result. A named port reads one key of a mapping result.

# Basic Usage

Parse a document, compile it into a plan and run the plan against a
Collaborator that knows how to resolve and call functions:

	wf, err := workflowdef.ParseFile("workflow.json")
	if err != nil {
	    log.Fatal(err)
	}

	plan, err := workflowdef.Compile(wf)
	if err != nil {
	    log.Fatal(err)
	}

	funcs := registry.New()
	funcs.MustRegister("m.get_sum", getSum)

	res, err := plan.Run(context.Background(), funcs)
	if err != nil {
	    log.Fatal(err)
	}
	fmt.Println(res.Value)

Collaborators that run steps elsewhere can skip Run and use the plan's
canonical order directly: Steps returns (node, kwargs) pairs in an order
where every binding refers to an earlier step or to an input, and
Independent reports which steps may be dispatched concurrently.

# Canonical Order

Canonicalize orders the nodes deterministically. Nodes with incoming
edges are scanned in ascending id order, repeatedly, and emitted once
all their sources are available. The same graph always produces the
same order; a graph that cannot be ordered yields a *CyclicGraphError.

# While Loops

A while node repeats a body while a condition holds, threading a context
of state variables between iterations. The condition is a function, a
nested workflow or an expression evaluated by package expr:

	{
	  "id": 2, "type": "while",
	  "conditionExpression": "m < n",
	  "bodyFunction": "m.increment",
	  "contextVars": ["m", "n"],
	  "inputPorts": {"m": 0, "n": 5},
	  "outputPorts": {"m": null, "n": null},
	  "maxIterations": 100
	}

maxIterations (default 1000) is a hard cap: reaching it ends the loop
like a false condition, without an error. By default a loop runs as one
step. WithUnrolledLoops expands it into an explicit chain of guarded
steps, which engines without native recursion can dispatch one by one.

# Exporting

Builder assembles a workflow from calls the way an engine exports its
native graph, sharing equal literals and merging identical calls.
Serialize writes the portable document with dense ids; parsing and
serializing again reproduces the same bytes.

# Error Handling

Every error carries the node, port or expression that caused it:

  - *SchemaError: malformed document, reported at parse time
  - *CyclicGraphError: the graph cannot be ordered
  - *MissingPortError: a named port is absent from a result
  - *UnresolvedReferenceError, *InvocationError: collaborator failures
  - *UnsafeExpressionError, *TypeCondError: rejected or non-boolean conditions

Use errors.Is with the matching sentinel (ErrSchema, ErrCyclicGraph, ...)
or errors.As to inspect the details. The original collaborator error is
always reachable through Unwrap.

# Observability

Runs log through log/slog (WithLogger), record OpenTelemetry metrics
(WithMetrics) and emit a span per run and per step (WithTracing).
WithCheckpointing saves each step's result so Resume can continue an
interrupted run.
*/
package workflowdef
