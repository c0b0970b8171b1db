package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustLink(t *testing.T, url string) Link {
	t.Helper()
	link, ok := ToCanonicalLink(url, NewDummyLogger(), nil)
	require.True(t, ok, url)
	return link
}

func mustCuris(t *testing.T, urls []string) []CanonicalUri {
	t.Helper()
	curis := make([]CanonicalUri, len(urls))
	for i, url := range urls {
		curis[i] = mustLink(t, url).Curi
	}
	return curis
}

// Every bucket gets its own date, newest first
func bucketsToFeedEntryLinks(t *testing.T, buckets [][]string) FeedEntryLinks {
	t.Helper()
	var links []maybeTitledLink
	var dates []time.Time
	day := time.Date(2022, time.January, 1, 0, 0, 0, 0, time.UTC)
	for _, bucket := range buckets {
		for _, url := range bucket {
			links = append(links, untitled(mustLink(t, url)))
			dates = append(dates, day)
		}
		day = day.AddDate(0, 0, -1)
	}
	return newFeedEntryLinks(links, dates)
}

func TestNewFeedEntryLinks(t *testing.T) {
	feedEntryLinks := bucketsToFeedEntryLinks(t, [][]string{
		{"http://a"}, {"http://b", "http://c"}, {"http://d"},
	})
	require.Equal(t, 4, feedEntryLinks.Length)
	require.True(t, feedEntryLinks.IsOrderCertain)
	require.Len(t, feedEntryLinks.LinkBuckets, 3)
	require.Equal(t, "[[a], [b, c], [d]]", feedEntryLinks.String())

	undated := newFeedEntryLinks(
		[]maybeTitledLink{untitled(mustLink(t, "http://a")), untitled(mustLink(t, "http://b"))}, nil,
	)
	require.False(t, undated.IsOrderCertain)
	require.Len(t, undated.LinkBuckets, 2)
}

func TestSequenceMatch(t *testing.T) {
	type Test struct {
		description   string
		buckets       [][]string
		sequence      []string
		offset        int
		expectedMatch bool
	}

	tests := []Test{
		{
			description:   "exact match",
			buckets:       [][]string{{"http://a"}, {"http://b"}},
			sequence:      []string{"http://a", "http://b"},
			offset:        0,
			expectedMatch: true,
		},
		{
			description:   "order within a bucket doesn't matter",
			buckets:       [][]string{{"http://a"}, {"http://b", "http://c"}},
			sequence:      []string{"http://a", "http://c", "http://b"},
			offset:        0,
			expectedMatch: true,
		},
		{
			description:   "order across buckets matters",
			buckets:       [][]string{{"http://a"}, {"http://b", "http://c"}},
			sequence:      []string{"http://b", "http://a", "http://c"},
			offset:        0,
			expectedMatch: false,
		},
		{
			description:   "sequence may be longer than the feed",
			buckets:       [][]string{{"http://a"}, {"http://b"}},
			sequence:      []string{"http://a", "http://b", "http://c"},
			offset:        0,
			expectedMatch: true,
		},
		{
			description:   "offset into the middle of a bucket",
			buckets:       [][]string{{"http://a"}, {"http://b", "http://c"}, {"http://d"}},
			sequence:      []string{"http://c", "http://d"},
			offset:        2,
			expectedMatch: true,
		},
		{
			description:   "offset past the feed",
			buckets:       [][]string{{"http://a"}},
			sequence:      []string{"http://z"},
			offset:        1,
			expectedMatch: true,
		},
		{
			description:   "repeated link doesn't stand in for a missing one",
			buckets:       [][]string{{"http://a", "http://b"}, {"http://c"}},
			sequence:      []string{"http://a", "http://a", "http://c"},
			offset:        0,
			expectedMatch: false,
		},
		{
			description:   "mismatch",
			buckets:       [][]string{{"http://a"}, {"http://b"}},
			sequence:      []string{"http://a", "http://x"},
			offset:        0,
			expectedMatch: false,
		},
	}

	curiEqCfg := NewCanonicalEqualityConfig()
	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			feedEntryLinks := bucketsToFeedEntryLinks(t, tc.buckets)
			_, ok := feedEntryLinks.subsequenceMatch(mustCuris(t, tc.sequence), tc.offset, &curiEqCfg)
			require.Equal(t, tc.expectedMatch, ok)
		})
	}
}

func TestSequenceMatchExceptFirst(t *testing.T) {
	curiEqCfg := NewCanonicalEqualityConfig()

	feedEntryLinks := bucketsToFeedEntryLinks(t, [][]string{{"http://a"}, {"http://b"}, {"http://c"}})
	first, ok := feedEntryLinks.sequenceMatchExceptFirst(
		mustCuris(t, []string{"http://b", "http://c"}), &curiEqCfg,
	)
	require.True(t, ok)
	require.Equal(t, "http://a", first.Url)

	bucketed := bucketsToFeedEntryLinks(t, [][]string{{"http://a", "http://b"}, {"http://c"}})
	first, ok = bucketed.sequenceMatchExceptFirst(
		mustCuris(t, []string{"http://a", "http://c"}), &curiEqCfg,
	)
	require.True(t, ok)
	require.Equal(t, "http://b", first.Url)

	_, ok = feedEntryLinks.sequenceMatchExceptFirst(
		mustCuris(t, []string{"http://c", "http://b"}), &curiEqCfg,
	)
	require.False(t, ok)
}

func TestSequenceSuffixMatch(t *testing.T) {
	type Test struct {
		description          string
		buckets              [][]string
		sequence             []string
		expectedLength       int
		expectedPrefixLength int
	}

	tests := []Test{
		{
			description:          "not a suffix",
			buckets:              [][]string{{"http://a"}},
			sequence:             []string{"http://b"},
			expectedLength:       0,
			expectedPrefixLength: -1,
		},
		{
			description:          "full match",
			buckets:              [][]string{{"http://a"}},
			sequence:             []string{"http://a"},
			expectedLength:       1,
			expectedPrefixLength: 0,
		},
		{
			description:          "full long match and beyond",
			buckets:              [][]string{{"http://a"}, {"http://c", "http://b"}},
			sequence:             []string{"http://a", "http://b", "http://c", "http://d"},
			expectedLength:       3,
			expectedPrefixLength: 0,
		},
		{
			description:          "suffix on bucket boundary",
			buckets:              [][]string{{"http://a"}, {"http://c", "http://b"}},
			sequence:             []string{"http://b", "http://c"},
			expectedLength:       2,
			expectedPrefixLength: 1,
		},
		{
			description:          "suffix is a part of a bucket",
			buckets:              [][]string{{"http://a"}, {"http://c", "http://b"}},
			sequence:             []string{"http://c"},
			expectedLength:       1,
			expectedPrefixLength: 2,
		},
		{
			description:          "sequence stops before the feed ends",
			buckets:              [][]string{{"http://a"}, {"http://b"}, {"http://c"}},
			sequence:             []string{"http://b"},
			expectedLength:       0,
			expectedPrefixLength: -1,
		},
	}

	curiEqCfg := NewCanonicalEqualityConfig()
	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			feedEntryLinks := bucketsToFeedEntryLinks(t, tc.buckets)
			links, prefixLength := feedEntryLinks.sequenceSuffixMatch(mustCuris(t, tc.sequence), &curiEqCfg)
			require.Len(t, links, tc.expectedLength)
			require.Equal(t, tc.expectedPrefixLength, prefixLength)
		})
	}
}

func TestFeedEntryLinksInclusion(t *testing.T) {
	curiEqCfg := NewCanonicalEqualityConfig()
	feedEntryLinks := bucketsToFeedEntryLinks(t, [][]string{{"http://a"}, {"http://b", "http://c"}, {"http://d"}})
	curisSet := NewCanonicalUriSet(mustCuris(t, []string{"http://a", "http://b", "http://d"}), &curiEqCfg)

	require.Equal(t, 3, feedEntryLinks.countIncluded(&curisSet))
	require.False(t, feedEntryLinks.allIncluded(&curisSet))
	require.Equal(t, 2, feedEntryLinks.includedPrefixLength(&curisSet))

	included := feedEntryLinks.filterIncluded(&curisSet)
	require.Equal(t, 3, included.Length)
	require.Equal(t, "[[a], [b], [d]]", included.String())

	excepted := feedEntryLinks.Except(&curisSet)
	require.Equal(t, 1, excepted.Length)
	require.Equal(t, "http://c", excepted.ToSlice()[0].Url)
}
