// Package text prepares user-submitted text for speech synthesis.
//
// It normalizes whitespace (and optionally abbreviations and typography) and
// splits the result into sentence-aligned chunks bounded by the maximum input
// length of the speech engine.
package text

import (
	"strings"
)

// Punctuation and formatting constants.
const (
	emDash         = "—"
	enDash         = "–"
	figureDash     = "‒"
	ellipsis       = "..."
	ellipsisChar   = "…"
	carriageReturn = "\r\n"
	lineFeed       = "\n"
	bareReturn     = "\r"
	tabChar        = "\t"
	space          = " "
)

// Normalizer rewrites text into the form the chunker expects.
type Normalizer struct {
	expandAbbreviations bool

	whitespaceReplacer   *strings.Replacer
	abbreviationReplacer *strings.Replacer
	typographyReplacer   *strings.Replacer
}

// NewNormalizer builds a normalizer. With expandAbbreviations set, common
// honorifics and company suffixes are spelled out so their trailing period is
// not mistaken for a sentence end, and smart quotes and dashes are
// straightened.
func NewNormalizer(expandAbbreviations bool) *Normalizer {
	abbreviations := []string{
		"Mr. ", "Mister ",
		"Mrs. ", "Misses ",
		"Ms. ", "Miss ",
		"Dr. ", "Doctor ",
		"St. ", "Saint ",
		"Co. ", "Company ",
		"Ltd. ", "Limited ",
		"Corp. ", "Corporation ",
		"Inc. ", "Incorporated ",
	}

	return &Normalizer{
		expandAbbreviations: expandAbbreviations,
		whitespaceReplacer: strings.NewReplacer(
			carriageReturn, space,
			lineFeed, space,
			bareReturn, space,
			tabChar, space,
		),
		abbreviationReplacer: strings.NewReplacer(abbreviations...),
		typographyReplacer: strings.NewReplacer(
			emDash, "-",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// Normalize returns text with line breaks and tabs turned into spaces.
func (n *Normalizer) Normalize(text string) string {
	if text == "" {
		return text
	}

	normalized := n.whitespaceReplacer.Replace(text)

	if n.expandAbbreviations {
		normalized = n.abbreviationReplacer.Replace(normalized)
		normalized = n.typographyReplacer.Replace(normalized)
	}

	return normalized
}
