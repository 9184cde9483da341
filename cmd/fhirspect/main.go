// Command fhirspect inspects the meta-level state of a FHIR server: which
// resource types it holds and in what quantity, and what structure the
// instances of one type actually have (as opposed to what the specification
// allows).
//
// Modes (exactly one per run):
//
//	fhirspect -l [flags] <server_url>            list resource types with counts
//	fhirspect -r <type> [flags] <server_url>     profile the structure of one type
//	fhirspect -s [flags] <server_url>            list StructureDefinition resources
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"fhirspect/internal/fetch"
	"fhirspect/internal/fhir"
	"fhirspect/internal/inspect"
	"fhirspect/internal/metrics"
	"fhirspect/internal/metrics/datadog"
	"fhirspect/internal/report"
	"fhirspect/internal/snapshot"
)

// backendCloser is the minimal interface used by this command to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
//
// When to use:
//   - Unit tests: inject fake backend factory and capture stdout/stderr.
//   - Alternate runtimes: swap metrics backend or output sinks.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
}

// runConfig holds the parsed flags and derived values for a run.
type runConfig struct {
	ServerURL string

	ListResources  bool
	InspectType    string
	ListStructDefs bool

	Limit        int
	MaxLevel     int
	WithValues   bool
	MaxItems     int
	NoValidation bool
	ShowZero     bool
	SavePath     string

	Timeout  time.Duration
	Insecure bool

	UseDatadog bool
	DDTagsCSV  string
	FlushEvery time.Duration
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
	})
	os.Exit(code)
}

// run executes the inspector and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: runtime failure (connectivity, invalid page, no matching resources).
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.UseDatadog {
		if d.BackendFactory == nil {
			fmt.Fprintln(d.Stderr, "internal error: BackendFactory is nil")
			return 2
		}
		tags := append(datadog.ParseTagsCSV(cfg.DDTagsCSV), "tool:fhirspect")
		backend, err := d.BackendFactory(ctx, "fhirspect", tags, cfg.FlushEvery)
		if err != nil {
			fmt.Fprintf(d.Stderr, "datadog backend init failed: %v\n", err)
			return 2
		}
		metrics.SetBackend(backend)
		defer func() {
			_ = metrics.Flush()
			_ = backend.Close()
		}()
	}

	client, err := fhir.NewClient(fhir.Config{
		BaseURL:            cfg.ServerURL,
		Timeout:            cfg.Timeout,
		InsecureSkipVerify: cfg.Insecure,
	})
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	capability, err := client.Metadata(ctx)
	if err != nil {
		fmt.Fprintf(d.Stderr, "Could not connect to server %s: %v\n", client.BaseURL(), err)
		return 1
	}
	fmt.Fprintf(d.Stdout, "Remote: %s %s (FHIR version: %s)\n",
		capability.Software.Name, capability.Software.Version, capability.FHIRVersion)

	if cfg.NoValidation {
		fmt.Fprintln(d.Stderr, "Validation disabled: pages containing malformed entries are dropped whole, so received counts may undershoot the server-reported total.")
	}

	source := fhir.NewPageSource(client, !cfg.NoValidation)
	fetcher := fetch.New(source, capability.ImplementationURL)

	var store *snapshot.Store
	if cfg.SavePath != "" {
		store, err = snapshot.Open(ctx, cfg.SavePath)
		if err != nil {
			fmt.Fprintln(d.Stderr, err.Error())
			return 2
		}
		defer store.Close()
	}

	switch {
	case cfg.ListResources:
		return listResources(ctx, cfg, d, capability, fetcher)
	case cfg.InspectType != "":
		return inspectResource(ctx, cfg, d, fetcher, store, cfg.InspectType)
	case cfg.ListStructDefs:
		return listStructureDefinitions(ctx, cfg, d, fetcher, store)
	}

	// parseFlags guarantees one mode is set.
	fmt.Fprintln(d.Stderr, "internal error: no mode selected")
	return 2
}

// parseFlags parses command arguments into a validated runConfig.
//
// Errors:
//   - Returns an error for invalid/missing flags or a missing server URL.
//   - Does not exit the process (caller decides exit code).
func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("fhirspect", flag.ContinueOnError)

	// Capture help/usage text instead of writing to stdout.
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)

	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage: %s [flags] <server_url>\n", fs.Name())
		fs.PrintDefaults()
	}

	var cfg runConfig
	fs.BoolVar(&cfg.ListResources, "l", false, "List the server's resource types with instance counts")
	fs.StringVar(&cfg.InspectType, "r", "", "Inspect the structure of one resource type")
	fs.BoolVar(&cfg.ListStructDefs, "s", false, "List the server's StructureDefinition resources")

	fs.IntVar(&cfg.Limit, "limit", 0, "Stop after receiving at least this many resources (0 means all)")
	fs.IntVar(&cfg.MaxLevel, "level", 10, "Maximum nesting depth to recurse into when inspecting structure")
	fs.BoolVar(&cfg.WithValues, "values", false, "Include value histograms under each leaf field")
	fs.IntVar(&cfg.MaxItems, "items", inspect.MaxHistogramEntries, "Maximum histogram entries shown per field")
	fs.BoolVar(&cfg.NoValidation, "novalidation", false, "Skip page validation (drops whole pages containing malformed entries)")
	fs.BoolVar(&cfg.ShowZero, "zero", false, "Include resource types with zero instances in the listing")
	fs.StringVar(&cfg.SavePath, "save", "", "SQLite file to persist every received resource to (FHIRSPECT_SNAPSHOT env var as fallback)")

	fs.DurationVar(&cfg.Timeout, "timeout", 60*time.Second, "HTTP timeout per request (e.g. 60s)")
	fs.BoolVar(&cfg.Insecure, "insecure", false, "Skip TLS certificate verification")

	fs.BoolVar(&cfg.UseDatadog, "dd", false, "Emit run metrics to Datadog")
	fs.StringVar(&cfg.DDTagsCSV, "dd_tags", "", "Extra Datadog tags CSV (e.g. env:prod,service:fhirspect)")
	fs.DurationVar(&cfg.FlushEvery, "metrics_flush", 1*time.Minute, "Datadog flush interval")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	modes := 0
	if cfg.ListResources {
		modes++
	}
	if cfg.InspectType != "" {
		modes++
	}
	if cfg.ListStructDefs {
		modes++
	}
	if modes == 0 {
		return runConfig{}, errors.New("one of -l, -r <type>, -s is required")
	}
	if modes > 1 {
		return runConfig{}, errors.New("-l, -r and -s are mutually exclusive")
	}

	if cfg.MaxLevel <= 0 {
		return runConfig{}, errors.New("-level must be > 0")
	}
	if cfg.Limit < 0 {
		return runConfig{}, errors.New("-limit must be >= 0")
	}
	if cfg.MaxItems <= 0 {
		return runConfig{}, errors.New("-items must be > 0")
	}

	if fs.NArg() != 1 {
		return runConfig{}, errors.New("exactly one server URL argument is required")
	}
	cfg.ServerURL = fs.Arg(0)

	if cfg.SavePath == "" {
		cfg.SavePath = os.Getenv("FHIRSPECT_SNAPSHOT")
	}

	return cfg, nil
}

// listResources counts every resource type the capability statement declares.
//
// Counts use count-only queries, so no resource bodies are transferred.
// Progress goes to stderr; the final listing goes to stdout.
func listResources(ctx context.Context, cfg runConfig, d deps, capability *fhir.CapabilityStatement, fetcher *fetch.Fetcher) int {
	if len(capability.ResourceTypes) == 0 {
		fmt.Fprintln(d.Stderr, "Server declares no resource types.")
		return 1
	}

	var rows []report.CountRow
	for i, rt := range capability.ResourceTypes {
		n, err := fetcher.Count(ctx, rt)
		if err != nil {
			fmt.Fprintf(d.Stderr, "Count query for %s failed: %v\n", rt, err)
			return 1
		}
		if n > 0 || cfg.ShowZero {
			rows = append(rows, report.CountRow{Resource: rt, Count: n})
		}
		fmt.Fprintf(d.Stderr, "Processed %d of %d\n", i+1, len(capability.ResourceTypes))
	}

	if err := report.WriteCounts(d.Stdout, rows); err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 1
	}
	return 0
}

// inspectResource fetches every instance of one resource type (up to the
// limit), folds each into a frequency tree, and renders the tree.
//
// A validation failure mid-run keeps the records received so far: the tree is
// rendered as a partial result and the run exits nonzero.
func inspectResource(ctx context.Context, cfg runConfig, d deps, fetcher *fetch.Fetcher, store *snapshot.Store, resourceType string) int {
	profiler, err := inspect.NewProfiler(resourceType, cfg.MaxLevel, cfg.WithValues)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	if cfg.WithValues {
		fmt.Fprintf(d.Stderr, "Showing at most %d values per field.\n", cfg.MaxItems)
	}

	var sink fetch.Sink = profiler
	var saver *snapshot.Sink
	if store != nil {
		saver = snapshot.NewSink(ctx, store, resourceType, profiler)
		sink = saver
	}

	received, _, err := fetcher.Fetch(ctx, resourceType, fetch.Options{
		Limit: cfg.Limit,
		Progress: func(received, total int) {
			fmt.Fprintf(d.Stderr, "Received %d of %d items.\n", received, total)
		},
	}, sink)

	code := 0
	switch {
	case errors.Is(err, fhir.ErrInvalidPage):
		fmt.Fprintln(d.Stderr, "Got validation error (consider using -novalidation).")
		code = 1
	case err != nil:
		fmt.Fprintln(d.Stderr, err.Error())
		return 1
	case cfg.Limit > 0 && received >= cfg.Limit:
		fmt.Fprintf(d.Stderr, "Reached limit of %d resources to receive.\n", cfg.Limit)
	}

	if saver != nil && saver.Err() != nil {
		fmt.Fprintln(d.Stderr, saver.Err().Error())
		code = 1
	}

	if received == 0 {
		return 1
	}
	if err := inspect.RenderTree(d.Stdout, resourceType, profiler.Tree(), inspect.RenderOptions{
		WithValues: cfg.WithValues,
		MaxValues:  cfg.MaxItems,
	}); err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 1
	}
	return code
}

// listStructureDefinitions fetches all StructureDefinition resources and
// prints a name/type/url table.
func listStructureDefinitions(ctx context.Context, cfg runConfig, d deps, fetcher *fetch.Fetcher, store *snapshot.Store) int {
	table := report.NewStructureDefinitionSink()

	var sink fetch.Sink = table
	var saver *snapshot.Sink
	if store != nil {
		saver = snapshot.NewSink(ctx, store, "StructureDefinition", table)
		sink = saver
	}

	_, _, err := fetcher.Fetch(ctx, "StructureDefinition", fetch.Options{
		Limit: cfg.Limit,
		Progress: func(received, total int) {
			fmt.Fprintf(d.Stderr, "Received %d of %d items.\n", received, total)
		},
	}, sink)

	code := 0
	switch {
	case errors.Is(err, fhir.ErrInvalidPage):
		fmt.Fprintln(d.Stderr, "Got validation error (consider using -novalidation).")
		code = 1
	case err != nil:
		fmt.Fprintln(d.Stderr, err.Error())
		return 1
	}

	if saver != nil && saver.Err() != nil {
		fmt.Fprintln(d.Stderr, saver.Err().Error())
		code = 1
	}

	if table.Len() == 0 {
		return 1
	}
	if err := table.WriteTable(d.Stdout); err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 1
	}
	return code
}
