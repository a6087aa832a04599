package moderation

import (
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// Filter masks off-platform contact exchange and other banned phrases in
// chat content before the relay routes it. Matching runs on a normalized
// view of the text so spacing, punctuation and leet substitutions do not
// defeat it, while masking applies to the original runes.
type Filter struct {
	machine *goahocorasick.Machine
	mask    rune
}

// origin maps every rune of the normalized view back to its position in
// the original text.
type origin struct {
	runes   []rune
	indexes []int
}

func NewFilter(banned []string, mask rune) (*Filter, error) {
	patterns := make([][]rune, len(banned))
	for i, phrase := range banned {
		patterns[i] = flatten([]rune(phrase)).runes
	}

	machine := new(goahocorasick.Machine)
	if err := machine.Build(patterns); err != nil {
		return nil, err
	}
	return &Filter{machine: machine, mask: mask}, nil
}

// Mask replaces every banned span with the mask rune. The original length
// and all untouched characters are preserved, so a partially masked
// message still reads naturally.
func (f *Filter) Mask(text string) string {
	view := flatten([]rune(text))
	if len(view.runes) == 0 {
		return text
	}

	hits := f.machine.MultiPatternSearch(view.runes, false)
	if len(hits) == 0 {
		return text
	}

	out := []rune(text)
	for _, hit := range hits {
		start := hit.Pos
		end := start + len(hit.Word)
		if start < 0 || end > len(view.indexes) {
			continue
		}
		// The span covers original positions from the first matched rune
		// through the last one, inclusive.
		for i := view.indexes[start]; i <= view.indexes[end-1]; i++ {
			out[i] = f.mask
		}
	}
	return string(out)
}

// flatten lowercases, undoes common leet substitutions and drops spacing
// and punctuation, keeping the index of every surviving rune.
func flatten(in []rune) origin {
	view := origin{
		runes:   make([]rune, 0, len(in)),
		indexes: make([]int, 0, len(in)),
	}
	for i, r := range in {
		plain := unleet(r)
		if unicode.IsPunct(plain) || unicode.IsSpace(plain) || unicode.IsSymbol(plain) {
			continue
		}
		view.runes = append(view.runes, unicode.ToLower(plain))
		view.indexes = append(view.indexes, i)
	}
	return view
}

func unleet(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	default:
		return r
	}
}
