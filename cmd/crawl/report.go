package crawl

import (
	"errors"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"blogarchive/crawler"
	"blogarchive/oops"

	"github.com/goccy/go-json"
)

func printColumns(w io.Writer, output *crawlOutput) {
	fmt.Fprintf(w, "crawl_id\t%s\n", output.CrawlId)
	columnValues := output.ColumnValues()
	columnStatuses := output.ColumnStatuses()
	for i, columnName := range columnNames {
		if columnName == "extra" {
			fmt.Fprintln(w, "extra:")
			for _, line := range columnValues[i].([]string) {
				fmt.Fprintf(w, "\t%s\n", line)
			}
		} else {
			fmt.Fprintf(w, "%s\t%v\t%s\n", columnName, columnValues[i], columnStatuses[i])
		}
	}
	if output.Result != nil && output.Result.HistoricalError != nil {
		fmt.Fprintf(w, "historical_error\t%v\n", output.Result.HistoricalError)
	}
	if output.Error != nil {
		fmt.Fprintln(w)
		var oopsErr *oops.Error
		if errors.As(output.Error, &oopsErr) {
			fmt.Fprintln(w, oopsErr.FullString())
		} else {
			fmt.Fprintln(w, output.Error.Error())
		}
	}
}

type jsonLink struct {
	Url         string `json:"url"`
	Title       string `json:"title"`
	TitleSource string `json:"title_source"`
}

type jsonOutput struct {
	CrawlId         string     `json:"crawl_id"`
	StartUrl        string     `json:"start_url,omitempty"`
	FeedUrl         string     `json:"feed_url,omitempty"`
	Pattern         string     `json:"pattern,omitempty"`
	MainUrl         string     `json:"main_url,omitempty"`
	Links           []jsonLink `json:"links,omitempty"`
	Extra           []string   `json:"extra,omitempty"`
	HistoricalError string     `json:"historical_error,omitempty"`
	Error           string     `json:"error,omitempty"`
	Requests        int        `json:"requests"`
	DurationMs      int64      `json:"duration_ms"`
}

func toJsonOutput(output *crawlOutput) jsonOutput {
	record := toCrawlRecord(output)
	result := jsonOutput{
		CrawlId:         output.CrawlId.String(),
		StartUrl:        record.StartUrl,
		FeedUrl:         record.FeedUrl,
		Pattern:         record.Pattern,
		MainUrl:         record.MainUrl,
		Links:           make([]jsonLink, 0, len(record.Links)),
		Extra:           record.Extra,
		HistoricalError: "",
		Error:           "",
		Requests:        output.Stats.Requests,
		DurationMs:      output.Stats.Duration.Milliseconds(),
	}
	for _, link := range record.Links {
		result.Links = append(result.Links, jsonLink{
			Url:         link.Url,
			Title:       link.Title,
			TitleSource: link.TitleSource,
		})
	}
	if output.Error != nil {
		result.Error = output.Error.Error()
	} else if output.Result != nil && output.Result.HistoricalError != nil {
		result.HistoricalError = output.Result.HistoricalError.Error()
	}
	return result
}

func writeJson(w io.Writer, outputs []*crawlOutput) error {
	jsonOutputs := make([]jsonOutput, 0, len(outputs))
	for _, output := range outputs {
		jsonOutputs = append(jsonOutputs, toJsonOutput(output))
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if len(jsonOutputs) == 1 {
		return encoder.Encode(jsonOutputs[0])
	}
	return encoder.Encode(jsonOutputs)
}

// outputReport renders the batch so far as an html table, rows with the same statuses and error
// grouped together
func outputReport(filename string, outputs []*crawlOutput, expectedTotal int) error {
	successCount := 0
	failureCount := 0

	type evaluatedOutput struct {
		Output   *crawlOutput
		Values   []any
		Statuses []crawler.Status
		Key      string
	}
	evaluatedOutputs := make([]evaluatedOutput, 0, len(outputs))

	statusKeys := map[crawler.Status]string{
		crawler.StatusSuccess: "a",
		crawler.StatusNeutral: "b",
		crawler.StatusFailure: "c",
	}
	for _, output := range outputs {
		if output.HasFailure() {
			failureCount++
		} else {
			successCount++
		}

		statuses := output.ColumnStatuses()
		var b strings.Builder
		for _, status := range statuses {
			b.WriteString(statusKeys[status])
		}
		b.WriteString("|")
		if output.Error != nil {
			b.WriteString(output.Error.Error())
		}
		b.WriteString("|")
		b.WriteString(output.Input.source())
		evaluatedOutputs = append(evaluatedOutputs, evaluatedOutput{
			Output:   output,
			Values:   output.ColumnValues(),
			Statuses: statuses,
			Key:      b.String(),
		})
	}

	slices.SortFunc(evaluatedOutputs, func(a, b evaluatedOutput) int {
		return strings.Compare(a.Key, b.Key)
	})

	styles := map[crawler.Status]string{
		crawler.StatusNone:    "",
		crawler.StatusNeutral: "",
		crawler.StatusSuccess: ` style="background: lightgreen;"`,
		crawler.StatusFailure: ` style="background: lightcoral;"`,
	}

	var b strings.Builder
	fmt.Fprint(&b, `<html>
<head>
	<title>Report</title>
	<style>table, th, td { border: 1px solid black; border-collapse: collapse; }</style>
	<style>body, table { font-size: small; }</style>
</head>
<body>
`)
	fmt.Fprintf(&b, "Processed: %d/%d<br>\n", len(evaluatedOutputs), expectedTotal)
	fmt.Fprintf(&b, "Success: %d Failure: %d<br>\n", successCount, failureCount)

	fmt.Fprint(&b, "<table>\n<tr><th>crawl_id</th>")
	for _, columnName := range columnNames {
		fmt.Fprintf(&b, "<th>%s</th>", columnName)
	}
	fmt.Fprint(&b, "<th>error</th></tr>\n")

	for _, evaluated := range evaluatedOutputs {
		fmt.Fprintf(&b, "<tr><td>%s</td>", evaluated.Output.CrawlId)
		for i, value := range evaluated.Values {
			var valueStr string
			if columnNames[i] == "extra" {
				lines := value.([]string)
				escapedLines := make([]string, len(lines))
				for j, line := range lines {
					escapedLines[j] = html.EscapeString(line)
				}
				valueStr = strings.Join(escapedLines, "<br>")
			} else {
				valueStr = html.EscapeString(fmt.Sprint(value))
			}
			fmt.Fprintf(&b, "<td%s>%s</td>", styles[evaluated.Statuses[i]], valueStr)
		}

		var errorText string
		if evaluated.Output.Error != nil {
			errorText = evaluated.Output.Error.Error()
		} else if evaluated.Output.Result != nil && evaluated.Output.Result.HistoricalError != nil {
			errorText = evaluated.Output.Result.HistoricalError.Error()
		}
		if errorText == "" {
			fmt.Fprint(&b, "<td></td>")
		} else {
			errorHtml := strings.ReplaceAll(html.EscapeString(errorText), "\n", "<br>")
			fmt.Fprintf(&b, "<td%s>%s</td>", styles[crawler.StatusFailure], errorHtml)
		}
		fmt.Fprint(&b, "</tr>\n")
	}
	fmt.Fprint(&b, "</table>\n</body>\n</html>\n")

	// Readers only ever see a complete report
	tempFile, err := os.CreateTemp(filepath.Dir(filename), "report_*.html")
	if err != nil {
		return oops.Wrap(err)
	}
	if _, err := tempFile.WriteString(b.String()); err != nil {
		_ = tempFile.Close()
		return oops.Wrap(err)
	}
	if err := tempFile.Close(); err != nil {
		return oops.Wrap(err)
	}

	writeAttempts := 0
	for {
		writeAttempts++
		err := os.Rename(tempFile.Name(), filename)
		if err == nil {
			return nil
		}
		if writeAttempts >= 20 {
			return oops.Wrap(err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
