package segment

import (
	_ "embed"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed instruments.yaml
var instrumentsYAML []byte

// Instrument is one row of the canonical lookup table.
type Instrument struct {
	Canonical     string   `yaml:"canonical"`
	Section       string   `yaml:"section"`
	Transposition string   `yaml:"transposition"`
	Aliases       []string `yaml:"aliases"`
}

type instrumentTable struct {
	Instruments []Instrument `yaml:"instruments"`
}

// aliasIndex maps normalized alias -> instrument.
var aliasIndex = buildAliasIndex()

func buildAliasIndex() map[string]Instrument {
	var table instrumentTable
	if err := yaml.Unmarshal(instrumentsYAML, &table); err != nil {
		// The table is compiled in; a parse failure is a build defect.
		panic("segment: embedded instrument table invalid: " + err.Error())
	}
	idx := make(map[string]Instrument)
	for _, inst := range table.Instruments {
		for _, alias := range inst.Aliases {
			idx[alias] = inst
		}
	}
	return idx
}

// forbiddenLabels carry no information and never identify an instrument.
var forbiddenLabels = map[string]bool{
	"unknown": true,
	"none":    true,
	"n/a":     true,
	"na":      true,
	"-":       true,
	"":        true,
}

var (
	ordinalSuffix = regexp.MustCompile(`\b(\d+)(st|nd|rd|th)\b`)
	trailingNum   = regexp.MustCompile(`\s+(\d+)$`)
	romanNumeral  = regexp.MustCompile(`\s+(i{1,3}|iv)$`)
	nonLabel      = regexp.MustCompile(`[^a-z0-9/\- ]+`)
	spaces        = regexp.MustCompile(`\s+`)
)

// NormalizeHeader reduces a raw header text to a normalized instrument name
// and an optional part number. "Flute 2", "2nd Flute", and "Flute II" all
// yield ("flute", 2).
func NormalizeHeader(text string) (name string, partNumber int) {
	s := strings.ToLower(strings.TrimSpace(text))
	s = nonLabel.ReplaceAllString(s, " ")
	s = spaces.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	partNumber = 0
	if m := ordinalSuffix.FindStringSubmatch(s); m != nil {
		partNumber, _ = strconv.Atoi(m[1])
		s = strings.TrimSpace(ordinalSuffix.ReplaceAllString(s, ""))
		s = spaces.ReplaceAllString(s, " ")
	}
	if m := trailingNum.FindStringSubmatch(s); m != nil {
		partNumber, _ = strconv.Atoi(m[1])
		s = strings.TrimSpace(trailingNum.ReplaceAllString(s, ""))
	}
	if m := romanNumeral.FindStringSubmatch(s); m != nil {
		partNumber = romanValue(m[1])
		s = strings.TrimSpace(romanNumeral.ReplaceAllString(s, ""))
	}
	return s, partNumber
}

func romanValue(s string) int {
	switch s {
	case "i":
		return 1
	case "ii":
		return 2
	case "iii":
		return 3
	case "iv":
		return 4
	}
	return 0
}

// Lookup resolves a normalized name against the canonical table. Unmatched
// but informative names pass through title-cased with section Other.
func Lookup(normalized string) (Instrument, bool) {
	if forbiddenLabels[normalized] {
		return Instrument{}, false
	}
	if inst, ok := aliasIndex[normalized]; ok {
		return inst, true
	}
	return Instrument{
		Canonical:     titleCase(normalized),
		Section:       "Other",
		Transposition: "C",
	}, true
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
