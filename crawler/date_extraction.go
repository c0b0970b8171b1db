package crawler

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

type date struct {
	Year  int
	Month time.Month
	Day   int
}

func (d date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d date) ordinal() int {
	return d.Year*10000 + int(d.Month)*100 + d.Day
}

func dateCompare(d1, d2 date) int {
	o1, o2 := d1.ordinal(), d2.ordinal()
	switch {
	case o1 < o2:
		return -1
	case o1 > o2:
		return 1
	default:
		return 0
	}
}

type dateSourceKind int

const (
	dateSourceKindUnknown dateSourceKind = iota
	dateSourceKindTime
	dateSourceKindText
	dateSourceKindMeta
)

func (k dateSourceKind) String() string {
	switch k {
	case dateSourceKindUnknown:
		return "Ø"
	case dateSourceKindTime:
		return "time"
	case dateSourceKindText:
		return "text"
	case dateSourceKindMeta:
		return "meta"
	default:
		panic(fmt.Errorf("unknown date source kind: %d", int(k)))
	}
}

type dateSource struct {
	Date       date
	SourceKind dateSourceKind
}

// tryExtractElementDate reads a date from a <time datetime=...> element or a text node
func tryExtractElementDate(maybeElement *html.Node, guessYear bool) *dateSource {
	if maybeElement == nil {
		return nil
	}

	switch {
	case maybeElement.Type == html.ElementNode && maybeElement.Data == "time":
		datetime := findAttr(maybeElement, "datetime")
		if datetime == "" {
			return nil
		}
		if d := tryExtractTextDate(datetime, guessYear); d != nil {
			return &dateSource{Date: *d, SourceKind: dateSourceKindTime}
		}
	case maybeElement.Type == html.TextNode:
		if d := tryExtractTextDate(maybeElement.Data, guessYear); d != nil {
			return &dateSource{Date: *d, SourceKind: dateSourceKindText}
		}
	}
	return nil
}

var digitSlashDigitRegex = regexp.MustCompile(`\d/\d`)
var isoDateRegex = regexp.MustCompile(`(?:\D|^)(\d{4})-(\d{2})-(\d{2})(?:\D|$)`)
var digitsRegex = regexp.MustCompile(`\d+`)

func isValidDate(year int, month time.Month, day int) bool {
	if month < time.January || month > time.December || day < 1 {
		return false
	}
	// time.Date normalizes overflowing days into the next month
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Day() == day
}

// tryExtractTextDate is best-effort. Ambiguous numeric formats (4/5/2020) are rejected, and the
// parsed year and day must literally appear among the numbers in the text
func tryExtractTextDate(text string, guessYear bool) *date {
	text = strings.TrimSpace(text)
	if text == "" || digitSlashDigitRegex.MatchString(text) {
		return nil
	}

	textNumbers := digitsRegex.FindAllString(text, -1)
	if len(textNumbers) == 0 {
		return nil
	}

	if match := isoDateRegex.FindStringSubmatch(text); match != nil {
		year, _ := strconv.Atoi(match[1])
		month, _ := strconv.Atoi(match[2])
		day, _ := strconv.Atoi(match[3])
		if year >= 1900 && year < 2200 && isValidDate(year, time.Month(month), day) {
			return &date{Year: year, Month: time.Month(month), Day: day}
		}
	}

	fuzzy, ok := parseFuzzyDate(text)
	if !ok {
		return nil
	}

	if fuzzy.YearIsSet {
		yearStr := strconv.Itoa(fuzzy.Year)
		yearShortStr := yearStr
		if len(yearStr) > 2 {
			yearShortStr = yearStr[len(yearStr)-2:]
		}
		if !slices.Contains(textNumbers, yearStr) && !slices.Contains(textNumbers, yearShortStr) {
			return nil
		}
	} else if guessYear {
		fuzzy.Year = time.Now().UTC().Year()
	} else {
		return nil
	}

	if !slices.Contains(textNumbers, strconv.Itoa(fuzzy.Day)) &&
		!slices.Contains(textNumbers, fmt.Sprintf("%02d", fuzzy.Day)) {
		return nil
	}

	if !isValidDate(fuzzy.Year, fuzzy.Month, fuzzy.Day) {
		return nil
	}

	return &date{Year: fuzzy.Year, Month: fuzzy.Month, Day: fuzzy.Day}
}
