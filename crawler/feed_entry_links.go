package crawler

import (
	"slices"
	"strings"
	"time"
)

// FeedEntryLinks is the feed order that recognizers match against. Entries with the same date
// share a bucket, and order within a bucket is not meaningful.
type FeedEntryLinks struct {
	LinkBuckets    [][]maybeTitledLink
	Length         int
	IsOrderCertain bool
}

// newFeedEntryLinks buckets consecutive links with equal dates. Without dates, every link gets its
// own bucket and the order is uncertain.
func newFeedEntryLinks(links []maybeTitledLink, dates []time.Time) FeedEntryLinks {
	result := FeedEntryLinks{
		LinkBuckets:    make([][]maybeTitledLink, 0, len(links)),
		Length:         len(links),
		IsOrderCertain: len(dates) > 0,
	}
	for i, link := range links {
		lastIndex := len(result.LinkBuckets) - 1
		if result.IsOrderCertain && i > 0 && dates[i].Equal(dates[i-1]) {
			result.LinkBuckets[lastIndex] = append(result.LinkBuckets[lastIndex], link)
		} else {
			result.LinkBuckets = append(result.LinkBuckets, []maybeTitledLink{link})
		}
	}
	return result
}

func (l *FeedEntryLinks) filter(keep func(link maybeTitledLink) bool) FeedEntryLinks {
	result := FeedEntryLinks{
		LinkBuckets:    nil,
		Length:         0,
		IsOrderCertain: l.IsOrderCertain,
	}
	for _, bucket := range l.LinkBuckets {
		var newBucket []maybeTitledLink
		for _, link := range bucket {
			if keep(link) {
				newBucket = append(newBucket, link)
			}
		}
		if len(newBucket) > 0 {
			result.LinkBuckets = append(result.LinkBuckets, newBucket)
			result.Length += len(newBucket)
		}
	}
	return result
}

func (l *FeedEntryLinks) filterIncluded(curisSet *CanonicalUriSet) FeedEntryLinks {
	return l.filter(func(link maybeTitledLink) bool {
		return curisSet.Contains(link.Curi)
	})
}

func (l *FeedEntryLinks) Except(curisSet *CanonicalUriSet) FeedEntryLinks {
	return l.filter(func(link maybeTitledLink) bool {
		return !curisSet.Contains(link.Curi)
	})
}

func (l *FeedEntryLinks) countIncluded(curisSet *CanonicalUriSet) int {
	count := 0
	for _, bucket := range l.LinkBuckets {
		for _, link := range bucket {
			if curisSet.Contains(link.Curi) {
				count++
			}
		}
	}
	return count
}

func (l *FeedEntryLinks) allIncluded(curisSet *CanonicalUriSet) bool {
	return l.countIncluded(curisSet) == l.Length
}

// includedPrefixLength counts links from the newest end that are in the set, stopping at the first
// bucket that isn't fully included
func (l *FeedEntryLinks) includedPrefixLength(curisSet *CanonicalUriSet) int {
	length := 0
	for _, bucket := range l.LinkBuckets {
		included := 0
		for _, link := range bucket {
			if curisSet.Contains(link.Curi) {
				included++
			}
		}
		length += included
		if included < len(bucket) {
			break
		}
	}
	return length
}

func (l *FeedEntryLinks) sequenceMatch(
	seqCuris []CanonicalUri, curiEqCfg *CanonicalEqualityConfig,
) ([]maybeTitledLink, bool) {
	return l.subsequenceMatch(seqCuris, 0, curiEqCfg)
}

// subsequenceMatch checks that seqCuris follow the feed starting at offset, bucket by bucket. The
// sequence may run past the end of the feed, the extra part is not checked.
func (l *FeedEntryLinks) subsequenceMatch(
	seqCuris []CanonicalUri, offset int, curiEqCfg *CanonicalEqualityConfig,
) ([]maybeTitledLink, bool) {
	if offset >= l.Length {
		return nil, true
	}

	bucketIndex := 0
	for offset >= len(l.LinkBuckets[bucketIndex]) {
		offset -= len(l.LinkBuckets[bucketIndex])
		bucketIndex++
	}
	remainingInBucket := len(l.LinkBuckets[bucketIndex]) - offset
	// Each bucket link can be matched once
	unmatched := slices.Clone(l.LinkBuckets[bucketIndex])

	var matchedLinks []maybeTitledLink
	for _, seqCuri := range seqCuris {
		matchIndex := slices.IndexFunc(unmatched, func(link maybeTitledLink) bool {
			return CanonicalUriEqual(seqCuri, link.Curi, curiEqCfg)
		})
		if matchIndex == -1 {
			return nil, false
		}
		matchedLinks = append(matchedLinks, unmatched[matchIndex])
		unmatched = slices.Delete(unmatched, matchIndex, matchIndex+1)

		remainingInBucket--
		if remainingInBucket == 0 {
			bucketIndex++
			if bucketIndex >= len(l.LinkBuckets) {
				break
			}
			remainingInBucket = len(l.LinkBuckets[bucketIndex])
			unmatched = slices.Clone(l.LinkBuckets[bucketIndex])
		}
	}
	return matchedLinks, true
}

// sequenceMatchExceptFirst is for pages that list everything but the newest post, e.g. when it's
// featured separately. Returns the feed link that the sequence skipped.
func (l *FeedEntryLinks) sequenceMatchExceptFirst(
	seqCuris []CanonicalUri, curiEqCfg *CanonicalEqualityConfig,
) (*maybeTitledLink, bool) {
	switch l.Length {
	case 0:
		return nil, false
	case 1:
		first := l.LinkBuckets[0][0]
		return &first, true
	}

	firstBucket := l.LinkBuckets[0]
	if len(firstBucket) == 1 {
		if _, ok := l.subsequenceMatch(seqCuris, 1, curiEqCfg); !ok {
			return nil, false
		}
		first := firstBucket[0]
		return &first, true
	}

	if len(seqCuris) < len(firstBucket)-1 {
		// Not enough sequence to tell which link of the first bucket is skipped
		return nil, false
	}

	remaining := slices.Clone(firstBucket)
	for _, seqCuri := range seqCuris[:len(firstBucket)-1] {
		matchIndex := slices.IndexFunc(remaining, func(link maybeTitledLink) bool {
			return CanonicalUriEqual(seqCuri, link.Curi, curiEqCfg)
		})
		if matchIndex == -1 {
			return nil, false
		}
		remaining = slices.Delete(remaining, matchIndex, matchIndex+1)
	}

	if _, ok := l.subsequenceMatch(seqCuris[len(firstBucket)-1:], len(firstBucket), curiEqCfg); !ok {
		return nil, false
	}
	first := remaining[0]
	return &first, true
}

// sequenceSuffixMatch checks that the sequence is a suffix of the feed (the oldest entries). Returns
// the matched links and how many feed links come before them, or -1 if there is no match.
func (l *FeedEntryLinks) sequenceSuffixMatch(
	seqCuris []CanonicalUri, curiEqCfg *CanonicalEqualityConfig,
) ([]maybeTitledLink, int) {
	if len(seqCuris) == 0 {
		return nil, -1
	}

	startBucketIndex := slices.IndexFunc(l.LinkBuckets, func(bucket []maybeTitledLink) bool {
		return slices.ContainsFunc(bucket, func(link maybeTitledLink) bool {
			return CanonicalUriEqual(link.Curi, seqCuris[0], curiEqCfg)
		})
	})
	if startBucketIndex == -1 {
		return nil, -1
	}

	startBucket := l.LinkBuckets[startBucketIndex]
	var startBucketLinks []maybeTitledLink
	seqOffset := 0
	for seqOffset < len(seqCuris) {
		matchIndex := slices.IndexFunc(startBucket, func(link maybeTitledLink) bool {
			return CanonicalUriEqual(link.Curi, seqCuris[seqOffset], curiEqCfg)
		})
		if matchIndex == -1 {
			break
		}
		startBucketLinks = append(startBucketLinks, startBucket[matchIndex])
		seqOffset++
	}

	prefixLength := len(startBucket) - seqOffset
	for _, bucket := range l.LinkBuckets[:startBucketIndex] {
		prefixLength += len(bucket)
	}

	if seqOffset == len(seqCuris) && prefixLength+seqOffset < l.Length {
		// Sequence ended before the feed did
		return nil, -1
	}

	restLinks, ok := l.subsequenceMatch(seqCuris[seqOffset:], prefixLength+seqOffset, curiEqCfg)
	if !ok {
		return nil, -1
	}
	return append(startBucketLinks, restLinks...), prefixLength
}

func (l *FeedEntryLinks) ToSlice() []maybeTitledLink {
	result := make([]maybeTitledLink, 0, l.Length)
	for _, bucket := range l.LinkBuckets {
		result = append(result, bucket...)
	}
	return result
}

func (l *FeedEntryLinks) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, bucket := range l.LinkBuckets {
		if i > 0 {
			sb.WriteString(", ")
		}
		curiStrs := make([]string, len(bucket))
		for j, link := range bucket {
			curiStrs[j] = link.Curi.String()
		}
		sb.WriteString("[" + strings.Join(curiStrs, ", ") + "]")
	}
	sb.WriteByte(']')
	return sb.String()
}
