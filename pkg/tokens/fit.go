package tokens

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var blankLine = regexp.MustCompile(`\n[ \t\r\f\v]*\n`)

// Segments splits text into paragraphs separated by blank lines.
// Empty paragraphs are dropped.
func Segments(text string) []string {
	parts := blankLine.Split(strings.ReplaceAll(text, "\r\n", "\n"), -1)
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// Fit returns a selection of text whose estimate is at most maxUnits.
//
// priority lists segment indexes from most to least relevant. Segments not
// listed rank below every listed one, later segments below earlier ones.
// Lowest-ranked segments are dropped first and the survivors keep their
// document order. When a single segment is left and still too large it is
// cut at the last sentence end that fits, or failing that at the last
// whitespace that fits.
//
// Empty text fits any budget. If no non-empty selection fits, Fit returns a
// *BudgetError.
func (e *Estimator) Fit(text string, maxUnits int, priority []int) (string, error) {
	if text == "" || e.Fits(text, maxUnits) {
		return text, nil
	}

	segs := Segments(text)
	if len(segs) == 0 {
		return "", nil
	}

	order := rank(len(segs), priority)
	keep := make([]bool, len(segs))
	for i := range keep {
		keep[i] = true
	}

	for i := len(order) - 1; i > 0; i-- {
		keep[order[i]] = false
		if candidate := join(segs, keep); e.Fits(candidate, maxUnits) {
			return candidate, nil
		}
	}

	top := segs[order[0]]
	if e.Fits(top, maxUnits) {
		return top, nil
	}
	if cut := e.truncate(top, maxUnits); cut != "" {
		return cut, nil
	}
	return "", &BudgetError{Part: "content", Required: e.Estimate(top), Limit: maxUnits}
}

// rank orders segment indexes from most to least relevant.
func rank(n int, priority []int) []int {
	order := make([]int, 0, n)
	seen := make([]bool, n)
	for _, idx := range priority {
		if idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		order = append(order, idx)
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order
}

func join(segs []string, keep []bool) string {
	var sb strings.Builder
	for i, s := range segs {
		if !keep[i] {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(s)
	}
	return sb.String()
}

// truncate cuts text to the longest prefix that fits and then backs off to
// a sentence or word boundary. It returns "" when no boundary fits.
func (e *Estimator) truncate(text string, maxUnits int) string {
	if maxUnits <= 0 {
		return ""
	}

	// Binary search over rune offsets; Estimate is monotonic in prefix length.
	runes := []rune(text)
	low, high := 0, len(runes)
	for low < high {
		mid := (low + high + 1) / 2
		if e.Fits(string(runes[:mid]), maxUnits) {
			low = mid
		} else {
			high = mid - 1
		}
	}
	if low == 0 {
		return ""
	}

	prefix := string(runes[:low])
	next, _ := utf8.DecodeRuneInString(string(runes[low:]))
	if low < len(runes) && unicode.IsSpace(next) {
		// The cut already falls on a word boundary.
		if s := sentenceCut(prefix); s != "" {
			return s
		}
		return strings.TrimRightFunc(prefix, unicode.IsSpace)
	}

	if s := sentenceCut(prefix); s != "" {
		return s
	}
	if i := strings.LastIndexFunc(prefix, unicode.IsSpace); i > 0 {
		return strings.TrimRightFunc(prefix[:i], unicode.IsSpace)
	}
	return ""
}

// sentenceCut returns prefix up to and including its last sentence
// terminator that is followed by whitespace or ends the prefix.
func sentenceCut(prefix string) string {
	for i := len(prefix) - 1; i > 0; i-- {
		switch prefix[i] {
		case '.', '!', '?':
			if i == len(prefix)-1 || isSpaceByte(prefix[i+1]) {
				return prefix[:i+1]
			}
		}
	}
	return ""
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
