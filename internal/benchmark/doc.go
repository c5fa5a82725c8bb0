// Package benchmark holds cross-package benchmarks for the worker pool and
// parallel stages.
package benchmark
