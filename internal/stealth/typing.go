package stealth

import (
	"context"
	"math/rand"
	"strings"
	"time"
	"unicode"
)

// Keyboard is the part of an input element the typer drives.
type Keyboard interface {
	Input(ctx context.Context, text string) error
	Backspace(ctx context.Context) error
}

type Typer struct {
	minWPM, maxWPM int
	typoRate       float64
	rand           *rand.Rand
	sleep          SleepFunc
}

// NewTyper builds a typer that pauses through sleep; nil means real time.
func NewTyper(minWPM, maxWPM int, typoRate float64, sleep SleepFunc) *Typer {
	if minWPM <= 0 {
		minWPM = 40
	}
	if maxWPM < minWPM {
		maxWPM = minWPM
	}
	return &Typer{
		minWPM:   minWPM,
		maxWPM:   maxWPM,
		typoRate: typoRate,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    orSleep(sleep),
	}
}

// Type enters text one character at a time with per-key jitter, pauses
// between words and the occasional typo that is immediately corrected.
func (t *Typer) Type(ctx context.Context, kb Keyboard, text string) error {
	wpm := t.minWPM + t.rand.Intn(t.maxWPM-t.minWPM+1)
	charsPerSecond := float64(wpm*5) / 60.0
	baseDelay := time.Duration(float64(time.Second) / charsPerSecond)

	words := strings.Split(text, " ")
	for wordIdx, word := range words {
		runes := []rune(word)
		for charIdx, char := range runes {
			last := wordIdx == len(words)-1 && charIdx == len(runes)-1
			if !last && t.rand.Float64() < t.typoRate {
				if err := t.typo(ctx, kb, char, baseDelay); err != nil {
					return err
				}
			}

			if err := kb.Input(ctx, string(char)); err != nil {
				return err
			}
			variation := float64(baseDelay) * 0.3 * (t.rand.Float64()*2 - 1)
			if err := t.sleep(ctx, baseDelay+time.Duration(variation)); err != nil {
				return err
			}
		}

		if wordIdx < len(words)-1 {
			if err := kb.Input(ctx, " "); err != nil {
				return err
			}
			pause := time.Duration(100+t.rand.Intn(200)) * time.Millisecond
			if t.rand.Float64() < 0.05 {
				pause += time.Duration(1000+t.rand.Intn(2000)) * time.Millisecond
			}
			if err := t.sleep(ctx, pause); err != nil {
				return err
			}
		}
	}
	return nil
}

// Budget is an upper bound on how long Type takes for text: every key at the
// slowest speed and every word gap with a long pause.
func (t *Typer) Budget(text string) time.Duration {
	charsPerSecond := float64(t.minWPM*5) / 60.0
	baseDelay := time.Duration(float64(time.Second) / charsPerSecond)
	perKey := baseDelay * 13 / 10
	if t.typoRate > 0 {
		perKey += time.Duration(t.typoRate * float64(2*baseDelay+900*time.Millisecond))
	}
	runes := len([]rune(text))
	gaps := strings.Count(text, " ")
	return time.Duration(runes)*perKey + time.Duration(gaps)*3300*time.Millisecond
}

func (t *Typer) typo(ctx context.Context, kb Keyboard, char rune, baseDelay time.Duration) error {
	if err := kb.Input(ctx, string(t.wrongCharacter(char))); err != nil {
		return err
	}
	if err := t.sleep(ctx, baseDelay+time.Duration(200+t.rand.Intn(300))*time.Millisecond); err != nil {
		return err
	}
	if err := kb.Backspace(ctx); err != nil {
		return err
	}
	return t.sleep(ctx, 100*time.Millisecond)
}

var qwertyNeighbours = map[rune][]rune{
	'a': {'q', 'w', 's', 'z'},
	'b': {'v', 'g', 'h', 'n'},
	'c': {'x', 'd', 'f', 'v'},
	'd': {'s', 'e', 'r', 'f', 'c', 'x'},
	'e': {'w', 'r', 'd', 's'},
	'f': {'d', 'r', 't', 'g', 'v', 'c'},
	'g': {'f', 't', 'y', 'h', 'b', 'v'},
	'h': {'g', 'y', 'u', 'j', 'n', 'b'},
	'i': {'u', 'o', 'k', 'j'},
	'j': {'h', 'u', 'i', 'k', 'm', 'n'},
	'k': {'j', 'i', 'o', 'l', 'm'},
	'l': {'k', 'o', 'p'},
	'm': {'n', 'j', 'k'},
	'n': {'b', 'h', 'j', 'm'},
	'o': {'i', 'p', 'l', 'k'},
	'p': {'o', 'l'},
	'q': {'w', 'a'},
	'r': {'e', 't', 'f', 'd'},
	's': {'a', 'w', 'e', 'd', 'x', 'z'},
	't': {'r', 'y', 'g', 'f'},
	'u': {'y', 'i', 'j', 'h'},
	'v': {'c', 'f', 'g', 'b'},
	'w': {'q', 'e', 's', 'a'},
	'x': {'z', 's', 'd', 'c'},
	'y': {'t', 'u', 'h', 'g'},
	'z': {'a', 's', 'x'},
}

func (t *Typer) wrongCharacter(correct rune) rune {
	adjacent, ok := qwertyNeighbours[unicode.ToLower(correct)]
	if !ok {
		return rune('a' + t.rand.Intn(26))
	}
	return adjacent[t.rand.Intn(len(adjacent))]
}
