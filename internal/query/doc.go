// Package query implements the behavioral query engine: compiler, index
// hint evaluator, and interpreter.
//
// # Language
//
// Query source is a small indented imperative dialect:
//
//	agg:
//	    people
//	    sum(total) as revenue
//
//	when country == 'us' and product != None:
//	    tally('purchases', product)
//
// plus `count where <expr>` for plain person counts and segment
// declarations:
//
//	segment heavy ttl=60000 refresh=30000:
//	    visits > 5 and country == 'us'
//
//	segment overlap ttl=60000:
//	    intersection(heavy, recent)
//
// # Compilation
//
// Compile produces a Macro per query or per declared segment: the
// instruction list for the stack VM, user/column variable tables, a
// literals pool, segment metadata, and the index hint program: a
// prefix-form sequence of (column, op, value) predicates that a
// partition can satisfy purely with bitmap operations.
//
// When the hint program reproduces the filter exactly and the
// aggregators need nothing from rows, the macro is countable: the
// candidate bitmap's population is the answer and no person is ever
// mounted. When every input of a segment's expression is itself a stored
// segment, the macro is segment math: it runs once per partition with
// bitmap algebra only.
//
// # Execution
//
// The Interpreter is a stack VM executing over one mounted grid at a
// time. Marshals (built-ins) cover time math, event iteration with
// within/between windows, tallying into the result tree, set algebra
// over segments, and the emit/schedule trigger surface. Execution is
// deterministic given the same grid, macro, and now-stamp; errors park
// in Interpreter.Error where the owning cell observes them on its next
// step.
package query
