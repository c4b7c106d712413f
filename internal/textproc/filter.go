package textproc

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// fuzzyHallucinationScore is the Jaro-Winkler similarity above which a
// transcript counts as a known hallucination phrase even when it is not an
// exact match (trailing punctuation, casing, small ASR noise).
const fuzzyHallucinationScore = 0.93

// singleCharFillers are one-rune transcripts that carry no content; the CJK
// entries are common Mandarin interjections, the Latin ones are stray
// letters Whisper emits on near-silence.
var singleCharFillers = map[string]struct{}{
	"嗯": {}, "啊": {}, "哦": {}, "呃": {}, "哈": {}, "呀": {},
	"噢": {}, "喔": {}, "诶": {}, "欸": {}, "唉": {}, "嘛": {},
	"a": {}, "e": {}, "i": {}, "m": {}, "n": {}, "o": {}, "u": {},
	"A": {}, "I": {},
}

// specialPunctuation are characters that essentially never occur in genuine
// speech transcripts and mark hallucinated output.
const specialPunctuation = "@#$%^&*_=+|\\~`\"“”‘’「」『』…"

// brackets of any style also mark hallucinated output (subtitle credits,
// sound-effect annotations).
const bracketChars = "()[]{}<>（）【】《》〈〉〔〕"

// hallucinationPhrases are transcripts Whisper produces on silence or music,
// compared case-insensitively after stripping.
var hallucinationPhrases = []string{
	"thank you for watching",
	"thanks for watching",
	"thank you",
	"the",
	"a",
	"you",
	"谢谢观看",
	"谢谢大家观看",
	"请不吝点赞 订阅 转发 打赏支持明镜与点点栏目",
	"字幕由amara org社区提供",
	"明镜需要您的支持",
	"ご視聴ありがとうございました",
}

// Filter decides whether a transcript should be dropped. It returns the
// cleaned transcript, or "" when the text matches a hallucination pattern.
func Filter(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}

	if _, ok := singleCharFillers[trimmed]; ok {
		return ""
	}
	if strings.ContainsAny(trimmed, specialPunctuation) {
		return ""
	}
	if strings.ContainsAny(trimmed, bracketChars) {
		return ""
	}
	if isHallucination(trimmed) {
		return ""
	}
	return trimmed
}

// isHallucination checks trimmed against the known phrase list, exact first
// and then fuzzily so "Thank you for watching!" still matches.
func isHallucination(trimmed string) bool {
	normalized := strings.ToLower(strings.Trim(trimmed, ".!?。！？ "))
	if normalized == "" {
		return true
	}
	for _, phrase := range hallucinationPhrases {
		if normalized == phrase {
			return true
		}
	}
	// Fuzzy pass only for phrases long enough that similarity is meaningful.
	for _, phrase := range hallucinationPhrases {
		if len(phrase) < 8 {
			continue
		}
		if matchr.JaroWinkler(normalized, phrase, false) >= fuzzyHallucinationScore {
			return true
		}
	}
	return false
}
