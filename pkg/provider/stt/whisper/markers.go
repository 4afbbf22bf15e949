package whisper

import (
	"regexp"
	"strings"
)

// markerRe matches the annotations whisper emits for non-speech audio, such
// as "[BLANK_AUDIO]", "[Music]" or "(wind blowing)".
var markerRe = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|\*[^*]*\*`)

// stripMarkers removes non-speech annotations and collapses the remaining
// whitespace. Silence therefore transcribes to "".
func stripMarkers(text string) string {
	return strings.Join(strings.Fields(markerRe.ReplaceAllString(text, " ")), " ")
}
