// Package scheduler invokes pipelines on cron schedules.
//
// Entries are driven by github.com/robfig/cron/v3. Each entry pairs an ID and a
// cron expression with an Invoker, usually a *pipeline.Pipeline, and an
// ArgsFunc producing the arguments of every run:
//
//	s := scheduler.New(scheduler.Config{
//		OnResult: func(run scheduler.Run) {
//			log.Printf("%s: %v (%v)", run.EntryID, run.Output, run.Error)
//		},
//	})
//	if err := s.Schedule("report", "*/30 * * * * *", p, scheduler.Static(1)); err != nil {
//		return err
//	}
//	s.Start()
//	defer func() { <-s.Stop().Done() }()
//
// Expressions:
//
// Parser accepts standard five-field expressions, an optional leading seconds
// field and descriptors:
//
//	"0 */2 * * *"      every 2 hours
//	"*/10 * * * * *"   every 10 seconds
//	"@daily"           every day at midnight
//	"@every 1m30s"     every 90 seconds
//
// Overlapping runs:
//
// An entry never runs twice at once. A tick that fires while the previous run
// of the same entry is still in flight is skipped, counted in Entry.Skipped and
// reported to OnSkip.
//
// Lifecycle:
//
// Stop stops firing and returns a context that is done once running
// invocations have finished. Panics in an invocation are recovered and logged.
package scheduler
