package normalize

// RawKind tags the shape of a tool's captured output.
type RawKind int

const (
	// RawJSON means stdout carries a machine-readable JSON document.
	RawJSON RawKind = iota
	// RawText means stdout is line-oriented text to be scraped.
	RawText
	// RawHTML means the tool produced an HTML report (dynamic scanners).
	RawHTML
	// RawExitOnly means only the exit code carries signal.
	RawExitOnly
)

// RawOutput is the captured native output of one tool execution.
type RawOutput struct {
	Kind     RawKind
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	// DurationSeconds is wall time measured by the runner.
	DurationSeconds float64
}
