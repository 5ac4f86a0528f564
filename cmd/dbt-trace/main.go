// Command dbt-trace decodes and pretty-prints the binary execution trace
// written by the core's debug logger.
package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/dbt/internal/debug"
)

var sourceColors = []ansi.BasicColor{
	ansi.Cyan, ansi.Green, ansi.Yellow, ansi.Magenta, ansi.Blue, ansi.Red,
}

func run() error {
	list := flag.Bool("list", false, "list all sources in the log")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")
	source := flag.String("source", "", "regex to filter sources")
	limit := flag.Int("limit", 0, "max entries to print (0 for unlimited)")
	noColor := flag.Bool("no-color", false, "disable colored output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `dbt-trace - inspect execution trace logs

USAGE:
  dbt-trace [flags] <filename>

Each entry is printed as: TIMESTAMP [SOURCE] MESSAGE
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	reader, err := debug.NewReaderFromFile(flag.Arg(0))
	if err != nil {
		return err
	}

	if *list {
		for _, s := range reader.Sources() {
			fmt.Println(s)
		}
		return nil
	}

	if *timeRange {
		earliest, latest := reader.TimeRange()
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n",
			earliest.Format("2006-01-02T15:04:05.000000000"),
			latest.Format("2006-01-02T15:04:05.000000000"),
			latest.Sub(earliest))
		return nil
	}

	var sourceRe *regexp.Regexp
	if *source != "" {
		sourceRe, err = regexp.Compile(*source)
		if err != nil {
			return fmt.Errorf("bad -source regex: %w", err)
		}
	}

	color := !*noColor && term.IsTerminal(int(os.Stdout.Fd()))

	colorFor := map[string]ansi.BasicColor{}
	styled := func(src string) string {
		if !color {
			return src
		}
		c, ok := colorFor[src]
		if !ok {
			c = sourceColors[len(colorFor)%len(sourceColors)]
			colorFor[src] = c
		}
		return ansi.Style{}.ForegroundColor(c).Styled(src)
	}

	printed := 0
	return reader.Each(func(e debug.Entry) error {
		if sourceRe != nil && !sourceRe.MatchString(e.Source) {
			return nil
		}
		if *limit > 0 && printed >= *limit {
			return nil
		}
		printed++

		msg := string(e.Data)
		if e.Kind == debug.KindBytes {
			msg = fmt.Sprintf("% x", e.Data)
		}
		fmt.Printf("%s [%s] %s\n",
			e.Time.Format("15:04:05.000000"), styled(e.Source), msg)
		return nil
	})
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dbt-trace:", err)
		os.Exit(1)
	}
}
