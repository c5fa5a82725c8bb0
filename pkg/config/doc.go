// Package config loads stageflow settings from YAML.
//
// A file configures the worker pool, logging, metrics, retries and an optional
// cron schedule, and may list the stages of a pipeline by name:
//
//	name: demo
//	workers: 4
//	ownership: shared     # shared | per_call
//	backend:
//	  name: demo-pool
//	log:
//	  level: info         # debug | info | warn | error
//	  format: text        # text | json
//	retry:
//	  max_attempts: 3
//	  delay: 100ms
//	schedule:
//	  cron: "*/5 * * * * *"
//	stages:
//	  - inc
//	  - parallel: [inc, add2]
//	  - name: sum
//	    timed: true
//	    retry: {}
//
// Stage names are resolved against a Registry when building:
//
//	reg := config.NewRegistry().
//		Register("inc", inc).
//		Register("add2", add2).
//		Register("sum", sum)
//
//	f, err := config.Load("stageflow.yaml")
//	if err != nil {
//		return err
//	}
//	p, err := f.Build(reg, config.BuildOptions{Logger: f.Logger(os.Stderr)})
//
// A stage entry with a retry section is wrapped with the retry package; fields
// it leaves empty come from the top-level retry section. Timed entries are
// wrapped with a timing observer.
//
// Validation reports every invalid field at once; each one is a
// *errors.ValidationError wrapping errors.ErrInvalidConfiguration.
package config
