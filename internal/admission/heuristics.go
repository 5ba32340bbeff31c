package admission

import "strings"

// maxLinks is the number of URLs a plausible piece of personal feedback
// contains before it reads as link spam.
const maxLinks = 3

// LooksAutomated applies the cheap bot heuristics that run before any
// counter is touched: link-stuffed bodies are the signature of spam bots,
// not of feedback written for a person.
func LooksAutomated(text string) bool {
	lower := strings.ToLower(text)
	links := strings.Count(lower, "http://") + strings.Count(lower, "https://")
	return links > maxLinks
}
