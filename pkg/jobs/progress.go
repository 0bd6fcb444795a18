package jobs

import (
	"strings"
	"time"
)

// ParseProgressLine extracts a progress snapshot from one worker output
// line. Recognized lines carry a phase marker ("Downloading" or
// "Decrypting"), e.g.:
//
//	Downloading...  73%  (17/24 MB, 20 MB/s)
//
// The percentage is the first whole-number token ending in '%'. The first
// parenthesized group holds "transferred/total" and, after a comma, an
// optional transfer rate. Lines that don't match are reported with ok=false
// and never treated as an error.
func ParseProgressLine(line string) (Progress, bool) {
	text := strings.TrimSpace(line)

	var phase string
	switch {
	case strings.Contains(text, "Downloading"):
		phase = "downloading"
	case strings.Contains(text, "Decrypting"):
		phase = "decrypting"
	default:
		return Progress{}, false
	}

	p := Progress{Phase: phase, UpdatedAt: time.Now().UTC()}

	for _, token := range strings.Fields(text) {
		if n, ok := parsePercentToken(token); ok {
			p.Percent = &n
			break
		}
	}

	open := strings.Index(text, "(")
	end := strings.Index(text, ")")
	if open >= 0 && end > open {
		inner := text[open+1 : end]
		parts := strings.Split(inner, ",")
		if len(parts) > 0 {
			sizes := strings.TrimSpace(parts[0])
			if slash := strings.Index(sizes, "/"); slash >= 0 {
				p.Transferred = strings.TrimSpace(sizes[:slash])
				p.Total = strings.TrimSpace(sizes[slash+1:])
			}
		}
		if len(parts) > 1 {
			p.Rate = strings.TrimSpace(parts[1])
		}
	}

	return p, true
}

func parsePercentToken(token string) (int, bool) {
	if !strings.HasSuffix(token, "%") {
		return 0, false
	}
	digits := strings.TrimSuffix(token, "%")
	if digits == "" {
		return 0, false
	}
	n := 0
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
