/*
Package stage defines the steps a pipeline is assembled from.

A Stage is a tagged variant. A simple stage wraps one Func; a parallel stage
holds an ordered list of branch stages and a PoolRef, and on invocation runs
every branch concurrently against the same arguments. Both are invoked with
Invoke, so a parallel stage can stand wherever a stage is expected, including
as a branch of another parallel stage.

Outputs:

Every stage declares the shape of its result with an Output: Single(v),
Multiple(v1, v2, ...) or None. The pipeline flattens an Output into the next
stage's positional arguments with Output.Args, so there is no guessing based
on the dynamic type of a value:

	stage.Single([]int{1, 2}) // next stage receives one argument, the slice
	stage.Multiple(1, 2)      // next stage receives two arguments

A parallel stage returns Multiple with one entry per branch, in registration
order, each entry being that branch's Output.Value().

Building stages:

	inc := stage.Unary(func(ctx context.Context, x int) (int, error) { return x + 1, nil })
	add := stage.Of(func(x, y int) int { return x + y })
	fan := stage.NewParallel(stage.Shared(pool), inc, stage.Func(double))

Of and Adapt use reflection to call ordinary Go functions and check argument
count and types on every call; Unary, Binary and Variadic do the same with
generics. Any mismatch fails with errors.ErrArgumentMismatch.

Pools:

A parallel stage gets its workers through a PoolRef. Shared(pool) borrows a
pool owned elsewhere, normally the pipeline's, so every parallel stage of a
pipeline competes for the same workers. PerCall(config) builds a private pool
for each invocation and releases it after the join, which bounds every stage
independently but pays pool start-up on every call.

Failures:

Branch results are joined in registration order. The first failing branch in
that order is reported as an *errors.BranchError wrapping the original
failure; branches still running keep running and their results are dropped.
Branches share the argument slice and must not modify it.
*/
package stage
