package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-to-discourse/filter"
	"github.com/dhcgn/mbox-to-discourse/mbox"
	"github.com/dhcgn/mbox-to-discourse/model"
	"github.com/dhcgn/mbox-to-discourse/parser"
	"github.com/dhcgn/mbox-to-discourse/stats"
	"github.com/dhcgn/mbox-to-discourse/thread"
)

type threadsOptions struct {
	reportDir      string
	topN           int
	footerMarker   string
	listTag        string
	skipSubject    string
	signOffs       []string
	excludeSenders []string
	requireSender  string
	includeHeader  []string
	includeBody    []string
	excludeHeader  []string
	excludeBody    []string
}

// NewThreadsCommand returns the offline analysis command. It rebuilds the
// thread forest of an archive without contacting the forum.
func NewThreadsCommand() *cobra.Command {
	var opts threadsOptions

	cmd := &cobra.Command{
		Use:   "threads [mbox file]",
		Short: "Rebuild the threads of an mbox archive and report on them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThreads(cmd.OutOrStdout(), args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.reportDir, "output", "o", ".", "Output directory for CSV reports")
	flags.IntVarP(&opts.topN, "top", "t", 10, "Number of top items to display in statistics")
	flags.StringVar(&opts.footerMarker, "footer-marker", "", "First line of the mailing-list footer to cut from bodies")
	flags.StringVar(&opts.listTag, "list-tag", "", "Subject tag to strip; default strips a leading [...] tag")
	flags.StringVar(&opts.skipSubject, "skip-subject", "", "Drop messages whose subject contains this text")
	flags.StringArrayVar(&opts.signOffs, "sign-off", []string{"cheers,"}, "Informal closing that starts a signature (repeatable)")
	flags.StringArrayVar(&opts.excludeSenders, "exclude-sender", nil, "Sender address to leave out (repeatable)")
	flags.StringVar(&opts.requireSender, "require-sender", "", "Substring every sender address must contain")
	flags.StringArrayVar(&opts.includeHeader, "include-header", nil, "Regex allow-list applied to raw record headers (mutually exclusive with exclude flags)")
	flags.StringArrayVar(&opts.includeBody, "include-body", nil, "Regex allow-list applied to raw record bodies (mutually exclusive with exclude flags)")
	flags.StringArrayVar(&opts.excludeHeader, "exclude-header", nil, "Regex block-list applied to raw record headers (mutually exclusive with include flags)")
	flags.StringArrayVar(&opts.excludeBody, "exclude-body", nil, "Regex block-list applied to raw record bodies (mutually exclusive with include flags)")

	return cmd
}

func runThreads(out io.Writer, mboxPath string, opts threadsOptions) error {
	fmt.Fprintln(out, "Analyzing mbox file:", mboxPath)

	filterOpts := filter.Options{
		IncludeHeader: opts.includeHeader,
		IncludeBody:   opts.includeBody,
		ExcludeHeader: opts.excludeHeader,
		ExcludeBody:   opts.excludeBody,
	}
	f, err := filter.New(filterOpts)
	if err != nil {
		return fmt.Errorf("%w: create filter: %w", model.ErrConfiguration, err)
	}

	src, err := mbox.File(mboxPath, mbox.Options{Filter: f})
	if err != nil {
		return err
	}

	res, err := thread.Build(src, thread.Options{
		Senders: filter.Senders{Exclude: opts.excludeSenders, Require: opts.requireSender},
		Parser: parser.Options{
			FooterMarker: opts.footerMarker,
			SkipSubject:  opts.skipSubject,
			ListTag:      opts.listTag,
			SignOffs:     opts.signOffs,
		},
	})
	if err != nil {
		return err
	}

	roots := res.Forest.Roots()
	replies := 0
	for _, root := range roots {
		replies += len(root.Children)
	}

	fmt.Fprintf(out, "Records:      %d\n", res.Records)
	if !filterOpts.Empty() {
		unfiltered, err := mbox.File(mboxPath, mbox.Options{})
		if err != nil {
			return err
		}
		total, err := mbox.Count(unfiltered)
		if err != nil {
			return err
		}
		skipped := total - res.Records
		fmt.Fprintf(out, "Filtered out: %d (%.2f%%)\n", skipped, float64(skipped)/float64(total)*100)
	}
	fmt.Fprintf(out, "Authors:      %d\n", len(res.Authors))
	fmt.Fprintf(out, "Messages:     %d\n", res.Forest.Len())
	fmt.Fprintf(out, "Threads:      %d\n", len(roots))
	fmt.Fprintf(out, "Replies:      %d\n", replies)
	fmt.Fprintf(out, "Attachments:  %d\n\n", res.Attachments)

	authorCounts := make(map[string]int)
	for _, id := range res.Forest.IDs() {
		msg, _ := res.Forest.Get(id)
		authorCounts[msg.AuthorEmail]++
	}
	threadSizes := make(map[string]int, len(roots))
	for _, root := range roots {
		threadSizes[fmt.Sprintf("%s <%s>", root.Subject, root.ID)] = len(root.Children)
	}

	fmt.Fprintf(out, "Top %d authors:\n", opts.topN)
	stats.PrettyPrintTop(out, authorCounts, opts.topN)
	fmt.Fprintf(out, "\nTop %d threads by replies:\n", opts.topN)
	stats.PrettyPrintTop(out, threadSizes, opts.topN)

	if err := os.MkdirAll(opts.reportDir, 0o755); err != nil {
		return err
	}
	if err := saveThreadsCSV(filepath.Join(opts.reportDir, "threads.csv"), roots); err != nil {
		return fmt.Errorf("error saving threads report: %w", err)
	}
	if err := saveCountsCSV(filepath.Join(opts.reportDir, "report_authors.csv"), authorCounts, 1000); err != nil {
		return fmt.Errorf("error saving authors report: %w", err)
	}

	fmt.Fprintf(out, "\nReports saved to directory: %s\n", opts.reportDir)
	return nil
}

func saveThreadsCSV(path string, roots []model.Message) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"RootID", "Subject", "Author", "Created", "Replies"}); err != nil {
		return err
	}
	for _, root := range roots {
		created := ""
		if !root.CreatedAt.IsZero() {
			created = root.CreatedAt.UTC().Format(time.RFC3339)
		}
		record := []string{root.ID, root.Subject, root.AuthorEmail, created, strconv.Itoa(len(root.Children))}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func saveCountsCSV(path string, counts map[string]int, limit int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range stats.Top(counts, limit) {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}
