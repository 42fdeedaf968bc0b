package matcher

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Built-in abbreviation tables. Name entries replace whole tokens; address
// entries replace substrings.
var (
	defaultNameAbbreviations = map[string]string{
		"apt":  "アパート",
		"apts": "アパート",
		"bldg": "ビル",
		"mans": "マンション",
		"res":  "レジデンス",
		"hts":  "ハイツ",
	}
	defaultAddressAbbreviations = map[string]string{
		"丁目": "-",
		"番地": "-",
		"番":  "-",
		"号":  "",
		"ヶ":  "ケ",
		"ヵ":  "ケ",
	}
)

var (
	roomSuffixPattern = regexp.MustCompile(`\s*[0-9]+\s*号室\s*$`)
	digitDashPattern  = regexp.MustCompile(`([0-9])[ー―‐−–の]([0-9])`)
	multiDashPattern  = regexp.MustCompile(`-{2,}`)
)

// AbbreviationFile is the YAML shape of the optional abbreviations file.
type AbbreviationFile struct {
	Name    map[string]string `yaml:"name"`
	Address map[string]string `yaml:"address"`
}

type replacement struct {
	from, to string
}

// Normalizer folds names and addresses into comparable keys.
type Normalizer struct {
	name    map[string]string
	address []replacement // longest first
}

// NewNormalizer builds a normalizer from the built-in tables plus extra.
// Extra entries override built-ins with the same key.
func NewNormalizer(extra *AbbreviationFile) *Normalizer {
	name := make(map[string]string, len(defaultNameAbbreviations))
	for k, v := range defaultNameAbbreviations {
		name[foldWidth(k)] = v
	}
	address := make(map[string]string, len(defaultAddressAbbreviations))
	for k, v := range defaultAddressAbbreviations {
		address[foldWidth(k)] = v
	}
	if extra != nil {
		for k, v := range extra.Name {
			name[foldWidth(k)] = v
		}
		for k, v := range extra.Address {
			address[foldWidth(k)] = v
		}
	}

	reps := make([]replacement, 0, len(address))
	for k, v := range address {
		if k != "" {
			reps = append(reps, replacement{from: k, to: v})
		}
	}
	sort.Slice(reps, func(i, j int) bool {
		if len(reps[i].from) != len(reps[j].from) {
			return len(reps[i].from) > len(reps[j].from)
		}
		return reps[i].from < reps[j].from
	})

	return &Normalizer{name: name, address: reps}
}

// LoadAbbreviations reads an abbreviations YAML file.
func LoadAbbreviations(path string) (*AbbreviationFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read abbreviations: %w", err)
	}
	var f AbbreviationFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse abbreviations %s: %w", path, err)
	}
	return &f, nil
}

// Name normalizes a property name.
func (n *Normalizer) Name(s string) string {
	s = roomSuffixPattern.ReplaceAllString(foldWidth(s), "")

	tokens := strings.FieldsFunc(s, isSeparator)
	for i, tok := range tokens {
		if rep, ok := n.name[tok]; ok {
			tokens[i] = rep
		}
	}
	return strings.Join(tokens, "")
}

// Address normalizes an address.
func (n *Normalizer) Address(s string) string {
	s = roomSuffixPattern.ReplaceAllString(foldWidth(s), "")
	// Separators share digits ("1の2の3"), so repeat until no match overlaps.
	for digitDashPattern.MatchString(s) {
		s = digitDashPattern.ReplaceAllString(s, "$1-$2")
	}
	for _, r := range n.address {
		s = strings.ReplaceAll(s, r.from, r.to)
	}

	s = strings.Map(func(r rune) rune {
		if r == '-' {
			return r
		}
		if isSeparator(r) {
			return -1
		}
		return r
	}, s)
	s = multiDashPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func foldWidth(s string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(s)))
}

func isSeparator(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
}
