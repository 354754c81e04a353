package filter

/*
Env is what command filter expressions are evaluated against. Filters are
part of the configuration, so renaming fields breaks existing filters.
*/

// Env describes one inbound command and the presentation it would act on.
// Timestamps are unix milliseconds, StartedAt is 0 before the presentation
// was started.
type Env struct {
	ID        string
	Type      string
	At        int64
	From      string
	Current   int
	Total     int
	StartedAt int64
	Now       int64
	// Age is Now-At
	Age int64
}
