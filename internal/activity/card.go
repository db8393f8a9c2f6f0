// Package activity discovers the dashboard's daily activity cards and
// completes the ones it recognises.
package activity

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"rewards-automation/internal/browser"
)

type Kind string

const (
	KindPoll    Kind = "poll"
	KindQuiz    Kind = "quiz"
	KindTrivia  Kind = "trivia"
	KindUnknown Kind = "unknown"
)

type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in-progress"
	StateCompleted  State = "completed"
	StateSkipped    State = "skipped"
)

// Card is one activity found on the dashboard. ID is stable for a given
// title and link; Position only disambiguates identical cards.
type Card struct {
	ID       string
	Title    string
	Kind     Kind
	State    State
	Points   int
	Link     string
	Position int
	HTML     string
}

func (c Card) String() string {
	return fmt.Sprintf("%s [%s, %d pts]", c.Title, c.Kind, c.Points)
}

// CardParser extracts card fields from a card's outer HTML.
type CardParser struct {
	Title     []string
	Points    []string
	Completed []string
	Base      *url.URL
}

var pointsPattern = regexp.MustCompile(`\+?\s*(\d+)`)

// Parse returns false when the card has no usable title or link.
func (p CardParser) Parse(ctx context.Context, el browser.Element, position int) (Card, bool, error) {
	raw, err := el.HTML(ctx)
	if err != nil {
		return Card{}, false, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return Card{}, false, fmt.Errorf("parse card html: %w", err)
	}

	title := firstText(doc.Selection, p.Title)
	if title == "" {
		text, _ := el.Text(ctx)
		title = truncate(collapse(text), 80)
	}
	if len([]rune(title)) < 3 {
		return Card{}, false, nil
	}

	link, _ := doc.Find("a[href]").First().Attr("href")
	if link == "" {
		link, _, _ = el.Attribute(ctx, "href")
	}
	if link == "" {
		return Card{}, false, nil
	}
	link = p.resolve(link)

	card := Card{
		Title:    title,
		Link:     link,
		Position: position,
		State:    StatePending,
		Kind:     KindUnknown,
		HTML:     raw,
	}
	if m := pointsPattern.FindStringSubmatch(firstText(doc.Selection, p.Points)); m != nil {
		card.Points, _ = strconv.Atoi(m[1])
	}
	if matchesAny(doc.Selection, p.Completed) {
		card.State = StateCompleted
	}
	card.ID = cardID(title, link)
	return card, true, nil
}

func (p CardParser) resolve(link string) string {
	if p.Base == nil {
		return link
	}
	ref, err := url.Parse(link)
	if err != nil {
		return link
	}
	return p.Base.ResolveReference(ref).String()
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func cardID(title, link string) string {
	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	sum := sha1.Sum([]byte(title + "\x00" + link))
	return slug + "-" + hex.EncodeToString(sum[:4])
}

// disambiguate suffixes every repeat of an id with its occurrence among the
// identical cards: the second copy gets -2, the third -3. Cards in between do
// not shift it, so a reordered dashboard keeps the same ids.
func disambiguate(cards []Card) {
	seen := make(map[string]int, len(cards))
	for i := range cards {
		base := cards[i].ID
		seen[base]++
		if n := seen[base]; n > 1 {
			cards[i].ID = fmt.Sprintf("%s-%d", base, n)
		}
	}
}

func firstText(sel *goquery.Selection, selectors []string) string {
	for _, css := range selectors {
		found := sel.Find(css)
		for i := range found.Nodes {
			if t := collapse(found.Eq(i).Text()); t != "" {
				return t
			}
			if label, ok := found.Eq(i).Attr("aria-label"); ok && strings.TrimSpace(label) != "" {
				return collapse(label)
			}
		}
	}
	return ""
}

func matchesAny(sel *goquery.Selection, selectors []string) bool {
	for _, css := range selectors {
		if sel.Find(css).Length() > 0 {
			return true
		}
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
