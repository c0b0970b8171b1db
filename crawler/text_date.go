package crawler

import (
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// fuzzyDate is what could be read from free-form text, the year is optional
type fuzzyDate struct {
	Year      int
	YearIsSet bool
	Month     time.Month
	Day       int
}

// Longer texts are more likely to be paragraphs that mention a date than a date label
const maxFuzzyDateTextLength = 128

const monthNamesPattern = `(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?`
const yearPattern = `('?\d{4}|'\d{2})(?!\d)`
const dayPattern = `(?<!\d)(\d{1,2})(?!\d)(?:st|nd|rd|th)?`

var fuzzyYmdRegex *regexp2.Regexp
var fuzzyEuRegex *regexp2.Regexp
var fuzzyUsRegex *regexp2.Regexp
var fuzzyDmyRegex *regexp2.Regexp

const fuzzyRegexTimeout = 100 * time.Millisecond

func init() {
	// 2013 Aug 14
	fuzzyYmdRegex = regexp2.MustCompile(
		`(?<!\d)(\d{4})\s+`+monthNamesPattern+`\s+`+dayPattern,
		regexp2.IgnoreCase,
	)
	// 6 November 2015, 15th of Mar, 2021
	fuzzyEuRegex = regexp2.MustCompile(
		dayPattern+`\.?\s*(?:of\s+)?`+monthNamesPattern+`(?:,?\s*`+yearPattern+`)?`,
		regexp2.IgnoreCase,
	)
	// April 15th, 2020, Dec 15 '20
	fuzzyUsRegex = regexp2.MustCompile(
		`(?<![a-z])`+monthNamesPattern+`\s*`+dayPattern+`(?:,?\s*`+yearPattern+`)?`,
		regexp2.IgnoreCase,
	)
	// 04-05-2020
	fuzzyDmyRegex = regexp2.MustCompile(
		`(?<!\d)(\d{1,2})-(\d{1,2})-(\d{4})(?!\d)`,
		regexp2.None,
	)
	for _, re := range []*regexp2.Regexp{fuzzyYmdRegex, fuzzyEuRegex, fuzzyUsRegex, fuzzyDmyRegex} {
		re.MatchTimeout = fuzzyRegexTimeout
	}
}

var monthsByAbbr = map[string]time.Month{
	"jan": time.January,
	"feb": time.February,
	"mar": time.March,
	"apr": time.April,
	"may": time.May,
	"jun": time.June,
	"jul": time.July,
	"aug": time.August,
	"sep": time.September,
	"oct": time.October,
	"nov": time.November,
	"dec": time.December,
}

func parseFuzzyDate(text string) (fuzzyDate, bool) {
	if len(text) > maxFuzzyDateTextLength {
		return fuzzyDate{}, false //nolint:exhaustruct
	}

	if groups, ok := findGroups(fuzzyYmdRegex, text); ok {
		return makeFuzzyDate(groups[1], monthsByAbbr[strings.ToLower(groups[2])], groups[3])
	}
	if groups, ok := findGroups(fuzzyEuRegex, text); ok {
		return makeFuzzyDate(groups[3], monthsByAbbr[strings.ToLower(groups[2])], groups[1])
	}
	if groups, ok := findGroups(fuzzyUsRegex, text); ok {
		return makeFuzzyDate(groups[3], monthsByAbbr[strings.ToLower(groups[1])], groups[2])
	}
	if groups, ok := findGroups(fuzzyDmyRegex, text); ok {
		month, err := strconv.Atoi(groups[2])
		if err != nil || month < 1 || month > 12 {
			return fuzzyDate{}, false //nolint:exhaustruct
		}
		return makeFuzzyDate(groups[3], time.Month(month), groups[1])
	}
	return fuzzyDate{}, false //nolint:exhaustruct
}

// findGroups returns the capture strings of the first match, "" for groups that didn't participate
func findGroups(re *regexp2.Regexp, text string) ([]string, bool) {
	match, err := re.FindStringMatch(text)
	if err != nil || match == nil {
		return nil, false
	}
	matchGroups := match.Groups()
	groups := make([]string, len(matchGroups))
	for i, group := range matchGroups {
		if len(group.Captures) > 0 {
			groups[i] = group.String()
		}
	}
	return groups, true
}

func makeFuzzyDate(yearStr string, month time.Month, dayStr string) (fuzzyDate, bool) {
	day, err := strconv.Atoi(dayStr)
	if err != nil || day < 1 || day > 31 {
		return fuzzyDate{}, false //nolint:exhaustruct
	}

	result := fuzzyDate{
		Year:      0,
		YearIsSet: false,
		Month:     month,
		Day:       day,
	}
	if yearStr != "" {
		isShort := strings.HasPrefix(yearStr, "'")
		year, err := strconv.Atoi(strings.TrimPrefix(yearStr, "'"))
		if err != nil {
			return fuzzyDate{}, false //nolint:exhaustruct
		}
		if isShort && year < 100 {
			if year >= 69 {
				year += 1900
			} else {
				year += 2000
			}
		}
		result.Year = year
		result.YearIsSet = true
	}
	return result, true
}
