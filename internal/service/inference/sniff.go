package inference

import "bytes"

var candidateDelimiters = []rune{',', ';', '\t', '|'}

// SniffDelimiter picks the field delimiter from the first line of the sample:
// the candidate that occurs most often outside quotes. Ties and lines with
// no candidate fall back to a comma.
func SniffDelimiter(head []byte) rune {
	line := head
	if idx := bytes.IndexByte(head, '\n'); idx >= 0 {
		line = head[:idx]
	}

	counts := make(map[rune]int, len(candidateDelimiters))
	inQuotes := false
	for _, r := range string(line) {
		if r == '"' {
			inQuotes = !inQuotes
			continue
		}
		if inQuotes {
			continue
		}
		for _, c := range candidateDelimiters {
			if r == c {
				counts[c]++
			}
		}
	}

	best, bestCount := ',', counts[',']
	for _, c := range candidateDelimiters[1:] {
		if counts[c] > bestCount {
			best, bestCount = c, counts[c]
		}
	}
	return best
}
