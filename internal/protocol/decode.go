package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrNotInfo   = errors.New("protocol: not an INFO reply")
	ErrNotStatus = errors.New("protocol: not a STATUS reply")
	ErrNotResult = errors.New("protocol: not a RESULT reply")
)

// Status is a decoded STATUS reply.
type Status struct {
	Finished bool
	Current  int
	Total    int
}

// Result is a decoded RESULT report.
type Result struct {
	N       int
	Timings []Timing
}

func IsInfo(msg string) bool   { return strings.HasPrefix(msg, PrefixInfo) }
func IsStatus(msg string) bool { return strings.HasPrefix(msg, PrefixStatus) }
func IsResult(msg string) bool { return strings.HasPrefix(msg, PrefixResult) }
func IsError(msg string) bool  { return strings.HasPrefix(msg, PrefixError) }

// ParseInfo decodes "INFO: threads=<k>, time=<t> s".
func ParseInfo(msg string) (Timing, error) {
	if !IsInfo(msg) {
		return Timing{}, ErrNotInfo
	}
	var tm Timing
	if _, err := fmt.Sscanf(msg, PrefixInfo+" threads=%d, time=%g s", &tm.Threads, &tm.Seconds); err != nil {
		return Timing{}, fmt.Errorf("%w: %v", ErrNotInfo, err)
	}
	return tm, nil
}

// ParseStatus decodes "STATUS: FINISHED" and "STATUS: <cur>/<total>".
func ParseStatus(msg string) (Status, error) {
	if !IsStatus(msg) {
		return Status{}, ErrNotStatus
	}
	body := strings.TrimSpace(strings.TrimPrefix(msg, PrefixStatus))
	if body == "FINISHED" {
		return Status{Finished: true}, nil
	}
	cur, total, ok := strings.Cut(body, "/")
	if !ok {
		return Status{}, fmt.Errorf("%w: %q", ErrNotStatus, msg)
	}
	c, err := strconv.Atoi(cur)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrNotStatus, err)
	}
	t, err := strconv.Atoi(total)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrNotStatus, err)
	}
	return Status{Current: c, Total: t}, nil
}

// ParseResult decodes a RESULT report.
func ParseResult(msg string) (Result, error) {
	if !IsResult(msg) {
		return Result{}, ErrNotResult
	}
	lines := strings.Split(strings.TrimRight(msg, "\n"), "\n")
	if len(lines) < 2 {
		return Result{}, fmt.Errorf("%w: missing matrix line", ErrNotResult)
	}
	var out Result
	var m int
	if _, err := fmt.Sscanf(lines[1], "Matrix %dx%d", &out.N, &m); err != nil || m != out.N {
		return Result{}, fmt.Errorf("%w: bad matrix line %q", ErrNotResult, lines[1])
	}
	for _, line := range lines[2:] {
		var tm Timing
		if _, err := fmt.Sscanf(line, "%d threads: %g s", &tm.Threads, &tm.Seconds); err != nil {
			return Result{}, fmt.Errorf("%w: bad timing line %q", ErrNotResult, line)
		}
		out.Timings = append(out.Timings, tm)
	}
	return out, nil
}
