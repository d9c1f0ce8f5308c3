package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tinyrange/tsimux/internal/debug"
)

func formatData(kind debug.Kind, data []byte) string {
	if kind == debug.KindBytes {
		return fmt.Sprintf("%x", data)
	}
	return string(data)
}

func run() error {
	list := flag.Bool("list", false, "list all sources in the trace")
	sample := flag.Bool("sample", false, "print the first record from each source")
	timeRange := flag.Bool("range", false, "print the record count and time range")
	source := flag.String("source", "", "regex to filter sources")
	match := flag.String("match", "", "regex to filter record data")
	limit := flag.Int("limit", 100, "max records to print (0 for unlimited)")
	tail := flag.Bool("tail", false, "print the last N records instead of the first N")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `tsitrace - inspect tsimux binary trace logs

USAGE:
  tsitrace [flags] <trace file>

FLAGS:
  -list          List all unique source names, one per line, in first-write order
  -sample        Print the first record from each matched source
  -range         Show record count, earliest/latest timestamps and total duration
  -source REGEX  Only show records whose source matches regex (Go regexp syntax)
  -match REGEX   Only show records whose data matches regex (Go regexp syntax)
  -limit N       Max records to print (default: 100). Errors if exceeded unless set explicitly; 0 for unlimited
  -tail          Show last N records instead of first N (combine with -limit)

OUTPUT FORMAT:
  Each record is printed as: TIMESTAMP [SOURCE] DATA
  Timestamps are RFC3339Nano format. Raw byte records are printed as hex.

EXAMPLES:
  tsitrace trace.bin                            Show records (errors if >100)
  tsitrace -tail trace.bin                      Show last 100 records
  tsitrace -limit 0 trace.bin                   Show all records
  tsitrace -list trace.bin                      List all source names
  tsitrace -range trace.bin                     Show count and time range
  tsitrace -source '^vsock-tcp' trace.bin       Records from the TCP proxies
  tsitrace -source 'dgramTx|streamTx' trace.bin Records from either TX path
  tsitrace -match 'peer_port=1234' trace.bin    Records mentioning that port
  tsitrace -match '(?i)rst' trace.bin           Case-insensitive match
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	filename := flag.Arg(0)

	limitSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "limit" {
			limitSet = true
		}
	})

	rd, closer, err := debug.NewReaderFromFile(filename)
	if err != nil {
		return err
	}
	defer closer.Close()

	if *list {
		for _, src := range rd.Sources() {
			fmt.Println(src)
		}
		return nil
	}

	if *timeRange {
		n, err := rd.Count(debug.SearchOptions{})
		if err != nil {
			return err
		}
		earliest, latest := rd.TimeRange()
		fmt.Printf("records:  %d\nearliest: %s\nlatest:   %s\nduration: %s\n",
			n, earliest.Format(time.RFC3339Nano), latest.Format(time.RFC3339Nano), latest.Sub(earliest))
		return nil
	}

	var sourceRe, matchRe *regexp.Regexp
	if *source != "" {
		sourceRe, err = regexp.Compile(*source)
		if err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		matchRe, err = regexp.Compile(*match)
		if err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	if *sample {
		return rd.Sample(func(ts time.Time, kind debug.Kind, src string, data []byte) error {
			if sourceRe != nil && !sourceRe.MatchString(src) {
				return nil
			}
			if matchRe != nil && !matchRe.Match(data) {
				return nil
			}
			fmt.Printf("%s [%s] %s\n", ts.Format(time.RFC3339Nano), src, formatData(kind, data))
			return nil
		})
	}

	// Resolve the source regex to exact names so the reader's index does
	// the narrowing.
	var opts debug.SearchOptions
	if sourceRe != nil {
		for _, src := range rd.Sources() {
			if sourceRe.MatchString(src) {
				opts.Sources = append(opts.Sources, src)
			}
		}
		if len(opts.Sources) == 0 {
			return nil
		}
	}

	type entry struct {
		ts   time.Time
		kind debug.Kind
		src  string
		data []byte
	}
	var entries []entry
	if err := rd.Search(opts, func(ts time.Time, kind debug.Kind, src string, data []byte) error {
		if matchRe != nil && !matchRe.Match(data) {
			return nil
		}
		entries = append(entries, entry{ts, kind, src, data})
		return nil
	}); err != nil {
		return fmt.Errorf("reading trace: %w", err)
	}

	if *limit > 0 && len(entries) > *limit {
		switch {
		case *tail:
			entries = entries[len(entries)-*limit:]
		case limitSet:
			entries = entries[:*limit]
		default:
			return fmt.Errorf("%d records match, more than the default limit of %d; use -limit 0 for all, -limit N for the first N, or -tail for the last %d",
				len(entries), *limit, *limit)
		}
	}

	for _, e := range entries {
		fmt.Printf("%s [%s] %s\n", e.ts.Format(time.RFC3339Nano), e.src, formatData(e.kind, e.data))
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tsitrace: %v\n", err)
		os.Exit(1)
	}
}
