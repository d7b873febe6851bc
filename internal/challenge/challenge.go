// Package challenge holds the catalog of prompts battles are played on.
package challenge

import (
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/gosimple/slug"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/DoyleJ11/prompt-battle/internal/engine"
)

// TypeOf derives the stable key and display name of a challenge category.
func TypeOf(category string) engine.ChallengeType {
	category = strings.TrimSpace(category)
	return engine.ChallengeType{
		Key:  slug.Make(category),
		Name: cases.Title(language.English).String(category),
	}
}

type entry struct {
	category string
	text     string
}

var defaultEntries = []entry{
	{"surreal landscapes", "A lighthouse made of stained glass standing in a desert of clocks"},
	{"surreal landscapes", "A waterfall that flows upward into a floating city"},
	{"mythical creatures", "A golden phoenix rising from a teacup during a thunderstorm"},
	{"mythical creatures", "A dragon knitting a scarf on a mountain summit"},
	{"retro futurism", "A 1950s diner orbiting Saturn with robots as waiters"},
	{"retro futurism", "A steam-powered subway under a neon ocean"},
	{"still life", "A bowl of fruit where every fruit is a tiny planet"},
	{"portraits", "An astronaut grandmother reading bedtime stories to the moon"},
}

// Catalog picks challenges. It is safe for concurrent use.
type Catalog struct {
	mu      sync.Mutex
	entries []entry
	rnd     *rand.Rand
}

func NewCatalog(seed uint64) *Catalog {
	return &Catalog{
		entries: defaultEntries,
		rnd:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Pick returns a random challenge.
func (c *Catalog) Pick() engine.Challenge {
	c.mu.Lock()
	e := c.entries[c.rnd.IntN(len(c.entries))]
	c.mu.Unlock()
	return engine.Challenge{Text: e.text, Type: TypeOf(e.category)}
}

// PickOther returns a challenge whose text differs from current whenever the
// catalog has more than one entry.
func (c *Catalog) PickOther(current string) engine.Challenge {
	for i := 0; i < 8; i++ {
		ch := c.Pick()
		if ch.Text != current {
			return ch
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.text != current {
			return engine.Challenge{Text: e.text, Type: TypeOf(e.category)}
		}
	}
	e := c.entries[0]
	return engine.Challenge{Text: e.text, Type: TypeOf(e.category)}
}
