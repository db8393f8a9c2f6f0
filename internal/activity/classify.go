package activity

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Classifier decides how an activity is completed from the card markup and
// the HTML of the opened activity page. pageHTML is empty in dry runs.
type Classifier interface {
	Classify(cardHTML, pageHTML string) Kind
}

// RuleClassifier matches selector rules against the page, then the card:
//   - poll markers without quiz markers: poll
//   - quiz markers (answer options with question-step state): quiz
//   - trivia markers or a start button: trivia
//
// Anything else is unknown.
type RuleClassifier struct {
	Poll   []string
	Quiz   []string
	Trivia []string
}

func (c RuleClassifier) Classify(cardHTML, pageHTML string) Kind {
	for _, src := range []string{pageHTML, cardHTML} {
		if strings.TrimSpace(src) == "" {
			continue
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
		if err != nil {
			continue
		}
		if kind := c.classify(doc.Selection); kind != KindUnknown {
			return kind
		}
	}
	return KindUnknown
}

func (c RuleClassifier) classify(doc *goquery.Selection) Kind {
	quiz := matchesAny(doc, c.Quiz)
	switch {
	case matchesAny(doc, c.Poll) && !quiz:
		return KindPoll
	case quiz:
		return KindQuiz
	case matchesAny(doc, c.Trivia):
		return KindTrivia
	}
	return KindUnknown
}

// Markers lists every selector the rules look for, for waiting on an
// activity page to render.
func (c RuleClassifier) Markers() []string {
	out := make([]string, 0, len(c.Poll)+len(c.Quiz)+len(c.Trivia))
	out = append(out, c.Poll...)
	out = append(out, c.Quiz...)
	return append(out, c.Trivia...)
}
