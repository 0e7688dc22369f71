package engine

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/mrorigo/memoria/pkg/types"
)

// MergedPayload is the consolidated output of the merge engine: every field
// the consolidation executor writes onto the primary record.
type MergedPayload struct {
	Content              string   `json:"content"`
	Summary              string   `json:"summary"`
	Topic                string   `json:"topic"`
	Entities             []string `json:"entities"`
	Keywords             []string `json:"keywords"`
	ConfidenceScore      float64  `json:"confidence_score"`
	ClassificationReason string   `json:"classification_reason"`
}

// Merge-engine bounds. Sentence and topic extraction are capped so merged
// content stays readable regardless of how many duplicates fold in.
const (
	maxMergedEntities   = 20
	maxMergedKeywords   = 30
	maxRankedSentences  = 12
	maxEmittedSentences = 8
	maxKeyTopics        = 15
	minSentenceLength   = 15
	maxContentLength    = 2000
	minContentLength    = 100

	// primaryWeightFactor biases frequency counts toward the primary record.
	primaryWeightFactor = 2
)

// MergeRecords computes the consolidated payload for one primary and N
// duplicates. It is a pure function: identical inputs produce byte-identical
// output, with no randomness or time dependence.
func MergeRecords(primary *types.MemoryRecord, duplicates []types.MemoryRecord) MergedPayload {
	return MergedPayload{
		Content:              mergeContent(primary, duplicates),
		Summary:              mergeSummary(primary, duplicates),
		Topic:                mergeTopic(primary, duplicates),
		Entities:             mergeEntities(primary, duplicates),
		Keywords:             mergeKeywords(primary, duplicates),
		ConfidenceScore:      mergeConfidence(primary, duplicates),
		ClassificationReason: mergeClassificationReason(primary, duplicates),
	}
}

// weightedEntry tracks a candidate string with its accumulated weight and
// first-seen order so ranking stays deterministic.
type weightedEntry struct {
	display string
	weight  int
	order   int
}

func rankEntries(index map[string]*weightedEntry, limit int) []string {
	entries := make([]*weightedEntry, 0, len(index))
	for _, e := range index {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].weight != entries[j].weight {
			return entries[i].weight > entries[j].weight
		}
		return entries[i].order < entries[j].order
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.display
	}
	return out
}

// mergeEntities fuses entity lists by frequency, weighting the primary's
// entries double. Matching is case-insensitive on trimmed values; the first
// spelling seen is the one kept.
func mergeEntities(primary *types.MemoryRecord, duplicates []types.MemoryRecord) []string {
	index := make(map[string]*weightedEntry)
	order := 0

	add := func(entities []string, weight int) {
		for _, raw := range entities {
			display := strings.TrimSpace(raw)
			if display == "" {
				continue
			}
			key := strings.ToLower(display)
			if existing, ok := index[key]; ok {
				existing.weight += weight
				continue
			}
			index[key] = &weightedEntry{display: display, weight: weight, order: order}
			order++
		}
	}

	add(primary.Entities, primaryWeightFactor)
	for i := range duplicates {
		add(duplicates[i].Entities, 1)
	}

	return rankEntries(index, maxMergedEntities)
}

// mergeKeywords fuses keyword lists weighted by record importance:
// weight = ceil(importanceWeight × baseFactor) with baseFactor 2 for the
// primary and 1 for duplicates.
func mergeKeywords(primary *types.MemoryRecord, duplicates []types.MemoryRecord) []string {
	index := make(map[string]*weightedEntry)
	order := 0

	add := func(keywords []string, importance types.Importance, baseFactor float64) {
		weight := int(math.Ceil(importance.Weight() * baseFactor))
		for _, raw := range keywords {
			display := strings.TrimSpace(raw)
			if display == "" {
				continue
			}
			key := strings.ToLower(display)
			if existing, ok := index[key]; ok {
				existing.weight += weight
				continue
			}
			index[key] = &weightedEntry{display: display, weight: weight, order: order}
			order++
		}
	}

	add(primary.Keywords, primary.Importance, 2)
	for i := range duplicates {
		add(duplicates[i].Keywords, duplicates[i].Importance, 1)
	}

	return rankEntries(index, maxMergedKeywords)
}

// mergeConfidence computes the weighted average confidence: the primary
// contributes 60%, the remaining 40% is split equally across duplicates.
// The result is rounded to two decimals.
func mergeConfidence(primary *types.MemoryRecord, duplicates []types.MemoryRecord) float64 {
	if len(duplicates) == 0 {
		return round2(primary.ConfidenceScore)
	}

	var duplicateSum float64
	for i := range duplicates {
		duplicateSum += duplicates[i].ConfidenceScore
	}
	duplicateAvg := duplicateSum / float64(len(duplicates))

	return round2(primary.ConfidenceScore*0.6 + duplicateAvg*0.4)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// mergeClassificationReason deduplicates reasons across all records
// preserving order. When more than one reason remains they are folded into a
// "Primary classification" / "Additional context" sentence.
func mergeClassificationReason(primary *types.MemoryRecord, duplicates []types.MemoryRecord) string {
	seen := make(map[string]bool)
	var reasons []string

	add := func(reason string) {
		reason = strings.TrimSpace(reason)
		if reason == "" || seen[reason] {
			return
		}
		seen[reason] = true
		reasons = append(reasons, reason)
	}

	add(primary.ClassificationReason)
	for i := range duplicates {
		add(duplicates[i].ClassificationReason)
	}

	switch len(reasons) {
	case 0:
		return ""
	case 1:
		return reasons[0]
	default:
		return fmt.Sprintf("Primary classification: %s. Additional context: %s",
			reasons[0], strings.Join(reasons[1:], "; "))
	}
}

// mergeTopic keeps the primary's topic when set, otherwise picks the most
// frequent non-empty topic among the duplicates (first seen wins ties).
func mergeTopic(primary *types.MemoryRecord, duplicates []types.MemoryRecord) string {
	if strings.TrimSpace(primary.Topic) != "" {
		return primary.Topic
	}

	index := make(map[string]*weightedEntry)
	order := 0
	for i := range duplicates {
		topic := strings.TrimSpace(duplicates[i].Topic)
		if topic == "" {
			continue
		}
		key := strings.ToLower(topic)
		if existing, ok := index[key]; ok {
			existing.weight++
			continue
		}
		index[key] = &weightedEntry{display: topic, weight: 1, order: order}
		order++
	}

	ranked := rankEntries(index, 1)
	if len(ranked) == 0 {
		return ""
	}
	return ranked[0]
}

// mergeSummary consolidates summaries. An empty primary summary is replaced
// by the first non-empty duplicate summary; otherwise up to three duplicate
// first sentences are folded in with an explicit consolidation note.
func mergeSummary(primary *types.MemoryRecord, duplicates []types.MemoryRecord) string {
	if strings.TrimSpace(primary.Summary) == "" {
		for i := range duplicates {
			if strings.TrimSpace(duplicates[i].Summary) != "" {
				return duplicates[i].Summary
			}
		}
		return ""
	}

	var firsts []string
	for i := range duplicates {
		if len(firsts) >= 3 {
			break
		}
		first := strings.TrimSpace(strings.SplitN(duplicates[i].Summary, ".", 2)[0])
		if len(first) > 10 {
			firsts = append(firsts, first)
		}
	}

	if len(firsts) == 0 {
		return primary.Summary
	}

	return fmt.Sprintf("%s (Consolidated from %d memories: %s)",
		primary.Summary, len(duplicates)+1, strings.Join(firsts, "; "))
}

var sentenceBoundary = regexp.MustCompile(`[.!?]+`)

// mergeContent performs sentence-level deduplication across all records'
// content and assembles a bounded consolidated body. It must never fail the
// larger consolidation: any internal failure falls back to the primary's raw
// content unmodified.
func mergeContent(primary *types.MemoryRecord, duplicates []types.MemoryRecord) (merged string) {
	defer func() {
		if r := recover(); r != nil {
			merged = primary.Content
		}
	}()

	sentences := make(map[string]*weightedEntry)
	order := 0

	addSentences := func(text string, weight int) {
		for _, raw := range sentenceBoundary.Split(text, -1) {
			display := strings.Join(strings.Fields(raw), " ")
			if len(display) <= minSentenceLength {
				continue
			}
			key := strings.ToLower(display)
			if existing, ok := sentences[key]; ok {
				existing.weight += weight
				continue
			}
			sentences[key] = &weightedEntry{display: display, weight: weight, order: order}
			order++
		}
	}

	addSentences(primary.Content, primaryWeightFactor)
	for i := range duplicates {
		addSentences(duplicates[i].Content, 1)
	}

	ranked := rankEntries(sentences, maxRankedSentences)
	emitted := ranked
	if len(emitted) > maxEmittedSentences {
		emitted = emitted[:maxEmittedSentences]
	}

	body := strings.Join(emitted, ". ")
	if body != "" {
		body += "."
	}

	if len(body) > 50 {
		topics := keyTopics(primary, duplicates)
		if len(topics) > 0 {
			body += " Key topics include: " + strings.Join(topics, ", ") + "."
		}
	}

	if len(body) > maxContentLength {
		// Prefer cutting on a sentence boundary in the last 30% of the cap;
		// hard-truncate only when no boundary lands there.
		cut := strings.LastIndex(body[:maxContentLength], ".")
		if cut >= int(float64(maxContentLength)*0.7) {
			body = body[:cut+1]
		} else {
			body = body[:maxContentLength]
		}
	}

	if len(body) < minContentLength {
		var primarySentences []string
		for _, raw := range sentenceBoundary.Split(primary.Content, -1) {
			if len(primarySentences) >= 3 {
				break
			}
			display := strings.Join(strings.Fields(raw), " ")
			if len(display) > minSentenceLength {
				primarySentences = append(primarySentences, display)
			}
		}
		if len(primarySentences) > 0 {
			prefix := strings.Join(primarySentences, ". ") + "."
			if body == "" {
				body = prefix
			} else {
				body = prefix + " " + body
			}
		}
	}

	return fmt.Sprintf("%s (Consolidated from %d source memories)", body, len(duplicates)+1)
}

// stopWords are excluded from key-topic extraction.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"her": true, "was": true, "one": true, "our": true, "out": true,
	"has": true, "have": true, "this": true, "that": true, "with": true,
	"from": true, "they": true, "will": true, "would": true, "there": true,
	"their": true, "what": true, "about": true, "which": true, "when": true,
	"were": true, "been": true, "into": true, "than": true, "then": true,
	"them": true, "these": true, "those": true, "some": true, "such": true,
	"also": true, "more": true, "most": true, "other": true, "over": true,
	"very": true, "just": true, "because": true, "while": true, "where": true,
	"after": true, "before": true, "being": true, "does": true, "each": true,
	"only": true, "same": true, "should": true, "could": true, "during": true,
}

var wordPattern = regexp.MustCompile(`[a-z0-9]+`)

// keyTopics extracts up to maxKeyTopics high-frequency non-stop-words across
// all records' content.
func keyTopics(primary *types.MemoryRecord, duplicates []types.MemoryRecord) []string {
	index := make(map[string]*weightedEntry)
	order := 0

	addWords := func(text string) {
		for _, word := range wordPattern.FindAllString(strings.ToLower(text), -1) {
			if len(word) < 4 || stopWords[word] {
				continue
			}
			if existing, ok := index[word]; ok {
				existing.weight++
				continue
			}
			index[word] = &weightedEntry{display: word, weight: 1, order: order}
			order++
		}
	}

	addWords(primary.Content)
	for i := range duplicates {
		addWords(duplicates[i].Content)
	}

	// Only repeated words qualify as topics.
	for key, entry := range index {
		if entry.weight < 2 {
			delete(index, key)
		}
	}

	return rankEntries(index, maxKeyTopics)
}
