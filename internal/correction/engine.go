// Package correction repairs common OCR misreadings in recognized text.
//
// Engine.Correct is deterministic and stateless: the same input always yields
// the same output, so recovery replays can re-run it safely.
package correction

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agext/levenshtein"
	mapset "github.com/deckarep/golang-set/v2"
)

const (
	maskOpen  = "\uE000"
	maskClose = "\uE001"
)

var (
	reURL   = regexp.MustCompile(`(?:https?://|www\.)[^\s<>"]*[^\s<>".,;:!?)\]]`)
	reEmail = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	rePhone = regexp.MustCompile(`(?:\+\d{1,3}[ .\-]?)?(?:\(\d{2,4}\)|\d{2,4})[ .\-]\d{3,4}[ .\-]\d{3,4}`)

	reNumeric = regexp.MustCompile(`^[\d.,:/%\-+]+$`)

	reDigitO    = regexp.MustCompile(`(\d)[Oo](\d)`)
	reDigitOEnd = regexp.MustCompile(`(\d)[Oo]\b`)
	reDigitL    = regexp.MustCompile(`(\d)[lI](\d)`)
	reWordZero  = regexp.MustCompile(`\b([a-z]+)0([a-z]+)\b`)
	reWordOne   = regexp.MustCompile(`\b([a-z]+)1([a-z]+)\b`)
	reInWordRN  = regexp.MustCompile(`[A-Za-z]*rn[A-Za-z]*`)

	reSpaceBeforePunct = regexp.MustCompile(` +([,.;:!?%)\]}”’])`)
	// two letters before the stop keeps initials such as U.S. and e.g. intact
	reSentenceJoin     = regexp.MustCompile(`([A-Za-z]{2}[.!?])([A-Za-z])`)
	reClauseJoin       = regexp.MustCompile(`([,;])([A-Za-z])`)
	reSpaceAfterOpen   = regexp.MustCompile(`([(\[{“‘]) +`)
	reMultiSpace       = regexp.MustCompile(` {2,}`)
)

const trailingPunct = `.,;:!?)]}"'”’`

type termRule struct {
	re *regexp.Regexp
	to string
}

// Engine holds the compiled dictionaries. It is safe for concurrent use.
type Engine struct {
	common     mapset.Set[string]
	vocabulary mapset.Set[string]
	misreads   map[string]string
	terms      map[string][]termRule
}

func NewEngine() *Engine {
	e := &Engine{
		common:   mapset.NewSet[string](commonWords...),
		misreads: misreads,
		terms:    make(map[string][]termRule, len(documentTerms)),
	}

	e.vocabulary = e.common.Clone()
	for _, v := range misreads {
		e.vocabulary.Add(v)
	}

	for docType, list := range documentTerms {
		rules := make([]termRule, 0, len(list))
		for _, t := range list {
			rules = append(rules, termRule{
				re: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(t.from) + `\b`),
				to: t.to,
			})
		}
		e.terms[docType] = rules
	}
	return e
}

var defaultEngine = NewEngine()

// Correct runs the default engine.
func Correct(rawText, documentType string) (string, float64, int) {
	return defaultEngine.Correct(rawText, documentType)
}

// DocumentTypes lists the document types with dedicated term dictionaries.
func DocumentTypes() []string {
	out := make([]string, 0, len(documentTerms))
	for k := range documentTerms {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Correct returns the repaired text, a confidence in [0.5, 1] and the number
// of character edits between input and output.
func (e *Engine) Correct(rawText, documentType string) (string, float64, int) {
	if rawText == "" {
		return rawText, 1.0, 0
	}

	text := normalizeLines(rawText)

	text, masks := mask(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		tokens := strings.Split(line, " ")
		for j, tok := range tokens {
			tokens[j] = e.correctToken(tok)
		}
		lines[i] = strings.Join(tokens, " ")
	}
	text = strings.Join(lines, "\n")

	for _, rule := range e.terms[strings.ToLower(documentType)] {
		text = rule.re.ReplaceAllString(text, rule.to)
	}

	text = e.contextualRepairs(text)
	text = fixSpacing(text)
	text = unmask(text, masks)

	distance := levenshtein.Distance(rawText, text, nil)
	return text, confidence(rawText, distance), distance
}

func confidence(original string, distance int) float64 {
	length := utf8.RuneCountInString(original)
	if length < 1 {
		length = 1
	}
	return math.Max(0.5, 1-float64(distance)/float64(length))
}

func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, "\n")
}

// mask swaps format-sensitive spans for placeholders. URLs go first because
// they may contain '@'.
func mask(s string) (string, []string) {
	var spans []string
	for _, re := range []*regexp.Regexp{reURL, reEmail, rePhone} {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			ph := maskOpen + strconv.Itoa(len(spans)) + maskClose
			spans = append(spans, m)
			return ph
		})
	}
	return s, spans
}

func unmask(s string, spans []string) string {
	for i, span := range spans {
		s = strings.Replace(s, maskOpen+strconv.Itoa(i)+maskClose, span, 1)
	}
	return s
}

func (e *Engine) correctToken(tok string) string {
	if tok == "" || strings.Contains(tok, maskOpen) {
		return tok
	}

	core := strings.TrimRight(tok, trailingPunct)
	suffix := tok[len(core):]
	if core == "" || reNumeric.MatchString(core) {
		return tok
	}

	lower := strings.ToLower(core)
	if e.common.Contains(lower) {
		return tok
	}
	if fixed, ok := e.misreads[lower]; ok {
		return matchCase(core, fixed) + suffix
	}
	if utf8.RuneCountInString(core) < 2 {
		return tok
	}
	if fixed, ok := e.bestSubstitution(lower); ok {
		return matchCase(core, fixed) + suffix
	}
	return tok
}

// bestSubstitution tries each confusion pair, once per occurrence and once
// for all occurrences, keeping candidates that land in the vocabulary.
func (e *Engine) bestSubstitution(lower string) (string, bool) {
	best := ""
	bestDist := -1
	consider := func(candidate string) {
		if candidate == lower || !e.vocabulary.Contains(candidate) {
			return
		}
		d := levenshtein.Distance(lower, candidate, nil)
		if bestDist < 0 || d < bestDist {
			best, bestDist = candidate, d
		}
	}

	for _, c := range confusions {
		if !strings.Contains(lower, c.from) {
			continue
		}
		for idx := 0; ; {
			off := strings.Index(lower[idx:], c.from)
			if off < 0 {
				break
			}
			pos := idx + off
			consider(lower[:pos] + c.to + lower[pos+len(c.from):])
			idx = pos + len(c.from)
		}
		consider(strings.ReplaceAll(lower, c.from, c.to))
	}
	return best, bestDist >= 0
}

// matchCase restores the capitalization of the original first letter.
func matchCase(original, fixed string) string {
	first, _ := utf8.DecodeRuneInString(original)
	if !unicode.IsUpper(first) || fixed == "" {
		return fixed
	}
	r, size := utf8.DecodeRuneInString(fixed)
	return string(unicode.ToUpper(r)) + fixed[size:]
}

func (e *Engine) contextualRepairs(s string) string {
	s = replaceUntilStable(s, reDigitO, "${1}0${2}")
	s = reDigitOEnd.ReplaceAllString(s, "${1}0")
	s = replaceUntilStable(s, reDigitL, "${1}1${2}")
	s = reWordZero.ReplaceAllString(s, "${1}o${2}")
	s = reWordOne.ReplaceAllString(s, "${1}l${2}")

	return reInWordRN.ReplaceAllStringFunc(s, func(word string) string {
		lower := strings.ToLower(word)
		if e.vocabulary.Contains(lower) {
			return word
		}
		fixed := strings.ReplaceAll(lower, "rn", "m")
		if !e.vocabulary.Contains(fixed) {
			return word
		}
		return matchCase(word, fixed)
	})
}

// replaceUntilStable handles overlapping matches such as "1O0O1".
func replaceUntilStable(s string, re *regexp.Regexp, repl string) string {
	for i := 0; i < 8; i++ {
		next := re.ReplaceAllString(s, repl)
		if next == s {
			break
		}
		s = next
	}
	return s
}

func fixSpacing(s string) string {
	s = reSpaceBeforePunct.ReplaceAllString(s, "$1")
	s = reSentenceJoin.ReplaceAllString(s, "$1 $2")
	s = reClauseJoin.ReplaceAllString(s, "$1 $2")
	s = reSpaceAfterOpen.ReplaceAllString(s, "$1")
	s = reMultiSpace.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
