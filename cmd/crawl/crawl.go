package crawl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"blogarchive/config"
	"blogarchive/crawler"
	"blogarchive/log"
	"blogarchive/metrics"
	"blogarchive/oops"
	"blogarchive/store"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var Crawl *cobra.Command

var threads int
var allowJS bool
var storeDSN string
var jsonOutputEnabled bool
var reportFilename string

func init() {
	Crawl = &cobra.Command{
		Use:          "crawl",
		Short:        "Find the full post history of blogs",
		SilenceUsage: true,
	}
	Crawl.PersistentFlags().BoolVar(&allowJS, "allow-js", config.Cfg.Browser.Enabled, "render pages in a browser when needed")
	Crawl.PersistentFlags().StringVar(&storeDSN, "store", config.Cfg.StoreDSN, "sqlite path or postgres:// dsn")
	Crawl.PersistentFlags().BoolVar(&jsonOutputEnabled, "json", false, "print results as json")

	runCmd := &cobra.Command{
		Use:   "run <start-url> [feed-url]",
		Short: "Crawl one blog. Without a feed url, feeds are discovered at the start url",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := crawlInput{StartUrl: args[0], FeedUrl: ""}
			if len(args) == 2 {
				input.FeedUrl = args[1]
			}
			if input.StartUrl == "-" {
				input.StartUrl = ""
			}
			failed, err := runSingle(cmd.Context(), input)
			if err != nil {
				return err
			}
			if failed {
				os.Exit(1)
			}
			return nil
		},
	}

	batchCmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Crawl every line of the file: a start url, and optionally a feed url after whitespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := readInputs(args[0])
			if err != nil {
				return err
			}
			return runBatch(cmd.Context(), inputs)
		},
	}
	batchCmd.Flags().IntVar(&threads, "threads", config.Cfg.Threads, "crawls running at once")
	batchCmd.Flags().StringVar(&reportFilename, "report", "", "html report path, default is in the log dir")

	Crawl.AddCommand(runCmd, batchCmd)
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt)
}

func openStore(ctx context.Context) (store.Store, error) {
	s, err := store.Open(ctx, storeDSN)
	if err != nil {
		return nil, oops.Wrapf(err, "open store %s", storeDSN)
	}
	return s, nil
}

func newMaybeBrowser(maxBrowsers int) crawler.BrowserClient {
	if !allowJS {
		return nil
	}
	return crawler.NewBrowserClientImpl(maxBrowsers)
}

// runSingle reports failed for a crawl that errored out, the output is printed either way
func runSingle(ctx context.Context, input crawlInput) (failed bool, err error) {
	ctx, cancel := signalContext(ctx)
	defer cancel()
	metrics.Serve(config.Cfg.MetricsAddr)

	s, err := openStore(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Error().Err(err).Msg("Store close error")
		}
	}()

	crawlId := uuid.New()
	logger := newStderrLogger(crawlId)
	output := runGuidedCrawl(ctx, crawlId, input, s, newMaybeBrowser(1), logger)
	if err := saveCrawlOutput(ctx, s, output, logger); err != nil {
		return false, err
	}

	if jsonOutputEnabled {
		if err := writeJson(os.Stdout, []*crawlOutput{output}); err != nil {
			return false, oops.Wrap(err)
		}
	} else {
		printColumns(os.Stdout, output)
	}
	return output.Error != nil, nil
}

func readInputs(filename string) ([]crawlInput, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, oops.Wrap(err)
	}
	defer file.Close()

	var inputs []crawlInput
	scanner := bufio.NewScanner(file)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch len(fields) {
		case 1:
			inputs = append(inputs, crawlInput{StartUrl: fields[0], FeedUrl: ""})
		case 2:
			startUrl := fields[0]
			if startUrl == "-" {
				startUrl = ""
			}
			inputs = append(inputs, crawlInput{StartUrl: startUrl, FeedUrl: fields[1]})
		default:
			return nil, oops.Newf("%s:%d: expected start url and optional feed url, got %q", filename, lineNumber, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, oops.Wrap(err)
	}
	if len(inputs) == 0 {
		return nil, oops.Newf("%s: no crawls", filename)
	}
	return inputs, nil
}

func prepareLogDir() (string, error) {
	logDir := config.Cfg.LogDir
	if logDir == "" {
		logDir = "crawl_log"
	}
	if err := os.RemoveAll(logDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", oops.Wrap(err)
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", oops.Wrap(err)
	}
	return logDir, nil
}

func runBatch(ctx context.Context, inputs []crawlInput) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()
	metrics.Serve(config.Cfg.MetricsAddr)
	startTime := time.Now()

	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Error().Err(err).Msg("Store close error")
		}
	}()

	logDir, err := prepareLogDir()
	if err != nil {
		return err
	}
	if reportFilename == "" {
		reportFilename = filepath.Join(logDir, fmt.Sprintf("report_%s.html", startTime.Format("2006-01-02_15-04-05")))
	}

	if threads <= 0 {
		threads = 1
	}
	if len(inputs) < threads {
		threads = len(inputs)
	}
	maybeBrowser := newMaybeBrowser(threads)

	var outputsMutex sync.Mutex
	outputs := make([]*crawlOutput, 0, len(inputs))
	var running atomic.Int64

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(threads)

	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return
			case <-ticker.C:
				outputsMutex.Lock()
				processed := len(outputs)
				err := outputReport(reportFilename, outputs, len(inputs))
				outputsMutex.Unlock()
				if err != nil {
					log.Error().Err(err).Msg("Couldn't write report")
				}
				log.Info().
					Dur("elapsed", time.Since(startTime)).
					Int("total", len(inputs)).
					Int("processed", processed).
					Int64("running", running.Load()).
					Msg("Batch progress")
			}
		}
	}()

	for _, input := range inputs {
		group.Go(func() error {
			running.Add(1)
			defer running.Add(-1)

			output, err := runBatchItem(groupCtx, input, s, maybeBrowser, logDir)
			if err != nil {
				return err
			}
			outputsMutex.Lock()
			outputs = append(outputs, output)
			outputsMutex.Unlock()
			return nil
		})
	}
	groupErr := group.Wait()
	cancel()
	<-reportDone

	if err := outputReport(reportFilename, outputs, len(inputs)); err != nil {
		return err
	}
	if groupErr != nil {
		return groupErr
	}

	failureCount := 0
	for _, output := range outputs {
		if output.HasFailure() {
			failureCount++
		}
	}
	log.Info().
		Str("report", reportFilename).
		Int("success", len(outputs)-failureCount).
		Int("failure", failureCount).
		Dur("elapsed", time.Since(startTime)).
		Msg("Batch done")

	if jsonOutputEnabled {
		return writeJson(os.Stdout, outputs)
	}
	return nil
}

// runBatchItem only errors when the batch can't go on, a failed crawl is an output like any other
func runBatchItem(
	ctx context.Context, input crawlInput, s store.Store, maybeBrowser crawler.BrowserClient, logDir string,
) (*crawlOutput, error) {
	crawlId := uuid.New()
	logger, err := NewFileLogger(logDir, crawlId)
	if err != nil {
		return nil, oops.Wrap(err)
	}
	defer func() {
		if err := logger.Close(); err != nil {
			log.Error().Err(err).Str("crawl_id", crawlId.String()).Msg("Log close error")
		}
	}()

	logger.Info("Start url: %s feed url: %s", input.StartUrl, input.FeedUrl)
	output := runGuidedCrawl(ctx, crawlId, input, s, maybeBrowser, logger)
	if errors.Is(output.Error, crawler.ErrCrawlCanceled) {
		return nil, output.Error
	}

	var oopsErr *oops.Error
	if errors.As(output.Error, &oopsErr) {
		logger.Error("%s", oopsErr.FullString())
	} else if output.Error != nil {
		logger.Error("%v", output.Error)
	}

	if err := saveCrawlOutput(ctx, s, output, logger); err != nil {
		return nil, err
	}
	log.Info().
		Str("crawl_id", crawlId.String()).
		Str("source", input.source()).
		Bool("failure", output.HasFailure()).
		Msg("Crawl done")
	return output, nil
}
