package book

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxChapterNumber bounds chapter numbers accepted by ParseChapterRange.
const MaxChapterNumber = 100000

// ParseChapterRange converts a 1-based selection such as "1,3-5" into sorted,
// de-duplicated 0-based indices. An empty string selects nothing and returns
// nil, which defers to resume detection. Numbers above MaxChapterNumber are
// rejected.
func ParseChapterRange(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var spans [][2]int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := chapterNumber(lo)
		if err != nil {
			return nil, err
		}
		last := first
		if isRange {
			if last, err = chapterNumber(hi); err != nil {
				return nil, err
			}
			if last < first {
				return nil, fmt.Errorf("chapter range %q is reversed", part)
			}
		}
		spans = append(spans, [2]int{first, last})
	}
	if len(spans) == 0 {
		return nil, nil
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })
	var out []int
	next := 1
	for _, span := range spans {
		n := max(span[0], next)
		for ; n <= span[1]; n++ {
			out = append(out, n-1)
		}
		next = max(next, n)
	}
	return out, nil
}

func chapterNumber(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("chapter %q is not a number", raw)
	}
	if n < 1 {
		return 0, fmt.Errorf("chapter numbers start at 1, got %d", n)
	}
	if n > MaxChapterNumber {
		return 0, fmt.Errorf("chapter %d exceeds the limit of %d", n, MaxChapterNumber)
	}
	return n, nil
}
