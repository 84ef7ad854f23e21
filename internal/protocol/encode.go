package protocol

import (
	"strconv"
	"strings"

	"github.com/danmuck/transposectl/internal/protocol/frame"
)

// FormatSeconds renders elapsed seconds with six decimals.
func FormatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 6, 64)
}

// FormatInfo renders a per-configuration progress frame.
func FormatInfo(threads int, sec float64) string {
	return PrefixInfo + " threads=" + strconv.Itoa(threads) + ", time=" + FormatSeconds(sec) + " s"
}

// FormatStatus renders the 1-based position of the running configuration.
func FormatStatus(current, total int) string {
	return PrefixStatus + " " + strconv.Itoa(current) + "/" + strconv.Itoa(total)
}

// FormatResult renders the final report. Lines that would push the report
// past one frame payload are dropped; dropped reports how many.
func FormatResult(n int, timings []Timing) (report string, dropped int) {
	var b strings.Builder
	b.WriteString(PrefixResult)
	b.WriteByte('\n')
	dim := strconv.Itoa(n)
	b.WriteString("Matrix " + dim + "x" + dim + "\n")
	for i, tm := range timings {
		line := strconv.Itoa(tm.Threads) + " threads: " + FormatSeconds(tm.Seconds) + " s\n"
		if b.Len()+len(line) > frame.PayloadCap {
			return b.String(), len(timings) - i
		}
		b.WriteString(line)
	}
	return b.String(), 0
}
