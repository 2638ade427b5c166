// Package progress turns lines printed by the fetch tool into progress records.
package progress

import (
	"regexp"
	"strconv"
	"strings"
)

type Progress struct {
	Percent   float64
	TotalSize string
	Speed     string
}

// Parser extracts progress from one output line. Lines that carry no
// progress report ok == false; that is not an error.
type Parser interface {
	Parse(line string) (Progress, bool)
}

// [download]   5.0% of  501.52MiB at  2.56MiB/s ETA 03:08
// [download]  45.2% of ~  85.49MiB at    2.48MiB/s ETA 00:27 (frag 4/17)
var ytdlpProgressRe = regexp.MustCompile(
	`\[download\]\s+` +
		`(?P<percent>\d+(?:\.\d+)?)%` +
		`\s+of\s+~?\s*(?P<size>[\d.]+\s*\w{1,2}i?B)` +
		`\s+at\s+(?P<speed>[\d.]+\s*\w{1,2}i?B/s)`)

// YtdlpParser understands the --newline progress lines of yt-dlp.
type YtdlpParser struct{}

func NewYtdlpParser() YtdlpParser {
	return YtdlpParser{}
}

func (YtdlpParser) Parse(line string) (Progress, bool) {
	m := ytdlpProgressRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Progress{}, false
	}

	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil || pct < 0 || pct > 100 {
		return Progress{}, false
	}

	return Progress{
		Percent:   pct,
		TotalSize: strings.TrimSpace(m[2]),
		Speed:     strings.TrimSpace(m[3]),
	}, true
}
