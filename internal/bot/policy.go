package bot

import "strings"

// DefaultPhrases trigger the "offer a human" hint.
var DefaultPhrases = []string{
	"связаться с сотрудником",
	"обратитесь к оператору",
}

// PhrasePolicy is a case-insensitive substring match on the reply.
type PhrasePolicy struct {
	phrases []string
}

func NewPhrasePolicy(phrases ...string) PhrasePolicy {
	if len(phrases) == 0 {
		phrases = DefaultPhrases
	}
	lower := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lower = append(lower, p)
		}
	}
	return PhrasePolicy{phrases: lower}
}

func (p PhrasePolicy) ShouldEscalate(reply string) bool {
	reply = strings.ToLower(reply)
	for _, phrase := range p.phrases {
		if strings.Contains(reply, phrase) {
			return true
		}
	}
	return false
}
