package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/zsxq-crawler/internal/crawler"
	"github.com/JakeFAU/zsxq-crawler/internal/dispatcher"
	"github.com/JakeFAU/zsxq-crawler/internal/task"
)

// newCrawlCmd groups the one-off crawl modes.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a community's topics in the foreground",
		Long: `Runs one crawl as a task in this process and prints its log.
Interrupting the command stops the task after the current page.`,
	}
	cmd.AddCommand(newCrawlRangeCmd())
	cmd.AddCommand(newCrawlModeCmd(crawler.ModeIncremental, "incremental", "Continue history from the oldest stored topic"))
	cmd.AddCommand(newCrawlModeCmd(crawler.ModeAll, "all", "Crawl history until the feed is exhausted"))
	cmd.AddCommand(newCrawlModeCmd(crawler.ModeLatest, "latest", "Fetch topics newer than the stored ones"))
	return cmd
}

func newCrawlRangeCmd() *cobra.Command {
	var (
		start, end string
		lastDays   int
		perPage    int
	)
	cmd := &cobra.Command{
		Use:   "range <group_id>",
		Short: "Import topics created inside a time window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID, err := parseGroupID(args[0])
			if err != nil {
				return err
			}
			from, to, err := crawler.ResolveBounds(time.Now(), start, end, lastDays)
			if err != nil {
				return fmt.Errorf("resolve time range: %w", err)
			}
			return runCrawl(cmd, crawler.Request{
				GroupID: groupID,
				Mode:    crawler.ModeRange,
				PerPage: perPage,
				Start:   from,
				End:     to,
			}, task.KindCrawlRange, fmt.Sprintf("按时间区间爬取 社群 %d (%s ~ %s)",
				groupID, from.Format(time.DateTime), to.Format(time.DateTime)))
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "window start, e.g. 2024-01-01 or RFC 3339")
	cmd.Flags().StringVar(&end, "end", "", "window end (default now)")
	cmd.Flags().IntVar(&lastDays, "last-days", 0, "derive the start from the end when --start is empty")
	cmd.Flags().IntVar(&perPage, "per-page", 20, "topics per page (1-100)")
	return cmd
}

var crawlKinds = map[crawler.Mode]task.Kind{
	crawler.ModeIncremental: task.KindCrawlIncr,
	crawler.ModeAll:         task.KindCrawlAll,
	crawler.ModeLatest:      task.KindCrawlLatest,
}

func newCrawlModeCmd(mode crawler.Mode, use, short string) *cobra.Command {
	var pages, perPage int
	cmd := &cobra.Command{
		Use:   use + " <group_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID, err := parseGroupID(args[0])
			if err != nil {
				return err
			}
			req := crawler.Request{GroupID: groupID, Mode: mode, PerPage: perPage}
			if mode == crawler.ModeIncremental {
				req.MaxPages = pages
			}
			return runCrawl(cmd, req, crawlKinds[mode], fmt.Sprintf("%s 社群 %d", use, groupID))
		},
	}
	cmd.Flags().IntVar(&perPage, "per-page", 20, "topics per page (1-100)")
	if mode == crawler.ModeIncremental {
		cmd.Flags().IntVar(&pages, "pages", 10, "page budget")
	}
	return cmd
}

func runCrawl(cmd *cobra.Command, req crawler.Request, kind task.Kind, desc string) error {
	if req.PerPage < 1 || req.PerPage > 100 {
		return fmt.Errorf("--per-page must be between 1 and 100")
	}
	if req.Mode == crawler.ModeIncremental && req.MaxPages < 1 {
		return fmt.Errorf("--pages must be positive")
	}
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	return runTask(cmd, appInstance, dispatcher.Spec{
		Kind:        kind,
		GroupID:     req.GroupID,
		Description: desc,
		Label:       "爬取",
		Work:        appInstance.Units().Crawl(req),
	})
}

// runTask runs spec in the foreground and turns a failed task into an
// error so the exit status reflects it.
func runTask(cmd *cobra.Command, appInstance App, spec dispatcher.Spec) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	final, err := appInstance.RunTask(ctx, spec, func(line string) {
		fmt.Fprintln(out, line)
	})
	if err != nil {
		return err
	}
	switch final.Status {
	case task.StatusCompleted:
		fmt.Fprintf(out, "✅ %s\n", final.Message)
		return nil
	case task.StatusCancelled:
		fmt.Fprintf(out, "🛑 %s\n", final.Message)
		return context.Canceled
	default:
		return fmt.Errorf("task %s %s: %s", final.ID, final.Status, final.Message)
	}
}

func parseGroupID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid group id %q", raw)
	}
	return id, nil
}
