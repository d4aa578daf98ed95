package question

import "fmt"

// Question is one catalog entry. The catalog is fixed at compile time and
// never mutated by the running service.
type Question struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// CatalogSize is the number of questions every session must answer or skip.
const CatalogSize = 35

// Anchor positions and the ids pinned to them. The opening triple eases the
// respondent in, the mid anchor re-centers the questionnaire, and the closing
// anchor always ends it.
const (
	openingFirst  = 1
	openingSecond = 2
	openingThird  = 3
	midAnchor     = 18
	closingAnchor = 35
)

var catalog = []Question{
	{ID: 1, Text: "Before we begin: what name do you want to be called by here?"},
	{ID: 2, Text: "In one sentence, why did you decide to answer these questions today?"},
	{ID: 3, Text: "What is one thing about yourself you are certain is true?"},
	{ID: 4, Text: "What do you do when nobody is watching that you would never do in company?"},
	{ID: 5, Text: "Which compliment do you find hardest to accept, and why?"},
	{ID: 6, Text: "Describe a belief you held strongly five years ago that you no longer hold."},
	{ID: 7, Text: "When did you last change your mind because of something someone said?"},
	{ID: 8, Text: "What is a promise you made to yourself that you have kept?"},
	{ID: 9, Text: "What is a promise you made to yourself that you have broken?"},
	{ID: 10, Text: "Whose approval do you still seek, even though you wish you didn't?"},
	{ID: 11, Text: "What would your closest friend say is your most predictable habit?"},
	{ID: 12, Text: "What do you pretend to enjoy?"},
	{ID: 13, Text: "Which of your fears have you never said out loud?"},
	{ID: 14, Text: "When you are angry, what do you do with it?"},
	{ID: 15, Text: "What part of your daily routine would you defend the hardest if someone tried to take it?"},
	{ID: 16, Text: "What is something you know how to do that almost nobody asks you about?"},
	{ID: 17, Text: "If your past self could see you now, what would surprise them most?"},
	{ID: 18, Text: "Halfway point. Pause for a moment: has answering so far felt honest?"},
	{ID: 19, Text: "What is a conversation you keep postponing?"},
	{ID: 20, Text: "What do you envy in other people, specifically?"},
	{ID: 21, Text: "When were you last genuinely proud of yourself without needing to tell anyone?"},
	{ID: 22, Text: "What is the kindest thing anyone has done for you that they probably forgot?"},
	{ID: 23, Text: "Which rule do you follow only because breaking it would disappoint someone?"},
	{ID: 24, Text: "What do you hope people say about you when you leave the room?"},
	{ID: 25, Text: "What would you attempt if you were guaranteed to fail but nobody would know?"},
	{ID: 26, Text: "Describe a moment you acted against your own values. What did you tell yourself afterwards?"},
	{ID: 27, Text: "What is the most honest thing you can say about your relationship with money?"},
	{ID: 28, Text: "Who did you stop talking to, and do you know why?"},
	{ID: 29, Text: "What do you need more of that you keep refusing to ask for?"},
	{ID: 30, Text: "When do you feel most like yourself?"},
	{ID: 31, Text: "What is a small thing that disproportionately restores you?"},
	{ID: 32, Text: "Which of your opinions would you defend the least if pressed?"},
	{ID: 33, Text: "What truth about yourself did you learn from a stranger?"},
	{ID: 34, Text: "If the last year of your life were a chapter, what would its title be?"},
	{ID: 35, Text: "Finally: reading back over what you've said, what formulation of truth emerges?"},
}

// Catalog returns the full question list in catalog order.
func Catalog() []Question {
	out := make([]Question, len(catalog))
	copy(out, catalog)
	return out
}

// ByID looks a question up by its catalog id.
func ByID(id int) (Question, bool) {
	for _, q := range catalog {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// Validate checks catalog integrity at startup: exactly CatalogSize entries,
// unique non-empty ids and texts, and all anchors present.
func Validate() error {
	if len(catalog) != CatalogSize {
		return fmt.Errorf("question catalog has %d entries, want %d", len(catalog), CatalogSize)
	}
	seen := make(map[int]bool, len(catalog))
	for _, q := range catalog {
		if q.ID <= 0 {
			return fmt.Errorf("question id %d is not positive", q.ID)
		}
		if seen[q.ID] {
			return fmt.Errorf("duplicate question id %d", q.ID)
		}
		if q.Text == "" {
			return fmt.Errorf("question %d has empty text", q.ID)
		}
		seen[q.ID] = true
	}
	for _, id := range []int{openingFirst, openingSecond, openingThird, midAnchor, closingAnchor} {
		if !seen[id] {
			return fmt.Errorf("anchor question %d missing from catalog", id)
		}
	}
	return nil
}
