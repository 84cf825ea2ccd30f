// Package harness provides conformance testing for SKFS directory graphs.
//
// The harness loads YAML scenarios that declare a graph (input directories,
// mappers, lazy directories), drive it through a list of steps, and assert
// on directory contents along the way. Each run also produces a trace of
// step events for golden snapshot comparison.
//
// # Scenario Format
//
//	name: counter
//	description: "sums integer inputs into one aggregate"
//	graph:
//	  inputs: [/in/]
//	  mappers:
//	    - source: /in/
//	      out: /sum/
//	      mapper: sum-to-total
//	      reducer: sum
//	  lazies:
//	    - dir: /fib/
//	      fn: fib
//	steps:
//	  - write: {dir: /in/, key: x, values: ["1"]}
//	  - update: true
//	  - expect: {dir: /sum/, key: 0, values: [1]}
//	  - remove: {dir: /in/, key: x}
//	  - feed: "k\t\"v\"\n"
//
// YAML scalars map onto the value model: strings become string files,
// integers become int files; string keys are SIDs, integer keys are IIDs.
//
// # Deterministic Testing
//
// Scenarios run against a caller-supplied registry on a fresh context with
// the logical clock at zero: no wall time, no randomness. Identical runs
// produce identical traces, which golden files pin down.
package harness
