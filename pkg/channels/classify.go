package channels

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/akikaku/akikaku-engine/pkg/models"
)

type keyword struct {
	word    string
	outcome models.VacancyOutcome
}

var (
	availableWords = []string{"募集中", "空室", "空き"}
	reservedWords  = []string{"申込あり", "申込中", "申し込みあり"}
	closedWords    = []string{"募集終了", "紹介不可", "成約済", "成約済み", "取り下げ", "掲載終了"}

	// いえらぶBB never shows 掲載終了; a listing that disappears is simply absent.
	ierabuClosedWords = []string{"募集終了", "紹介不可", "成約済", "成約済み", "取り下げ"}
)

// statusTables holds the keyword table per channel, longest words first so
// that "成約済み" wins over "成約済".
var statusTables = map[models.Channel][]keyword{
	models.ChannelItanji:   buildTable(availableWords, reservedWords, closedWords),
	models.ChannelIerabu:   buildTable(availableWords, reservedWords, ierabuClosedWords),
	models.ChannelESSquare: buildTable(availableWords, reservedWords, closedWords),
}

func buildTable(available, reserved, closed []string) []keyword {
	var t []keyword
	for _, w := range closed {
		t = append(t, keyword{w, models.OutcomeClosed})
	}
	for _, w := range reserved {
		t = append(t, keyword{w, models.OutcomeReserved})
	}
	for _, w := range available {
		t = append(t, keyword{w, models.OutcomeAvailable})
	}
	// Stable: equal lengths keep closed > reserved > available.
	sort.SliceStable(t, func(i, j int) bool {
		return len([]rune(t[i].word)) > len([]rune(t[j].word))
	})
	return t
}

// Classify maps a portal signal to a vacancy outcome. Unknown words and
// SignalNoListing are unconfirmable.
func Classify(channel models.Channel, s Signal) models.VacancyOutcome {
	if k, ok := detect(channel, string(s)); ok {
		return k.outcome
	}
	return models.OutcomeUnconfirmable
}

// detect finds the first table keyword contained in text.
func detect(channel models.Channel, text string) (keyword, bool) {
	table, ok := statusTables[channel]
	if !ok {
		return keyword{}, false
	}
	text = norm.NFKC.String(text)
	if strings.Contains(text, string(SignalNoListing)) {
		return keyword{}, false
	}
	for _, k := range table {
		if strings.Contains(text, k.word) {
			return k, true
		}
	}
	return keyword{}, false
}
