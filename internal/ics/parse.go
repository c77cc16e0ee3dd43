package ics

import (
	"regexp"
	"strings"
	"time"

	"icsimport/internal/model"
)

const (
	beginMarker = "BEGIN:VEVENT"
	endMarker   = "END:VEVENT"

	propSummary     = "SUMMARY:"
	propDtStart     = "DTSTART"
	propDtEnd       = "DTEND"
	propLocation    = "LOCATION:"
	propDescription = "DESCRIPTION:"
)

var (
	utcTimePattern   = regexp.MustCompile(`^\d{8}T\d{6}Z$`)
	localTimePattern = regexp.MustCompile(`^\d{8}T\d{6}$`)
	datePattern      = regexp.MustCompile(`^\d{8}$`)
)

// ParseEvents extracts every usable VEVENT from an iCalendar payload.
//
//   - Line endings are normalized (CRLF and lone CR become LF).
//   - Only lines between BEGIN:VEVENT and END:VEVENT are considered;
//     calendar-level properties are ignored.
//   - Folded lines are unfolded inside a block.
//   - Blocks without a parsable DTSTART are dropped without any error.
//
// Records are returned in the order their blocks appear. ParseEvents never
// fails; a payload without usable blocks yields an empty slice.
func ParseEvents(text string) []model.Record {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	records := make([]model.Record, 0)

	var block []string
	inBlock := false

	for _, line := range strings.Split(text, "\n") {
		if inBlock && isContinuation(line) {
			if n := len(block); n > 0 {
				block[n-1] += line[1:]
			} else {
				block = append(block, line[1:])
			}
			continue
		}

		marker := strings.TrimSpace(line)
		switch {
		case hasPropPrefix(marker, beginMarker):
			// A nested BEGIN restarts the block; whatever was open is lost.
			inBlock = true
			block = block[:0]
		case hasPropPrefix(marker, endMarker):
			if !inBlock {
				continue
			}
			inBlock = false
			if rec, ok := parseBlock(block); ok {
				records = append(records, rec)
			}
			block = block[:0]
		case inBlock:
			block = append(block, line)
		}
	}

	// An unterminated trailing block is discarded.
	return records
}

// isContinuation reports whether line is a folded continuation of the
// previous logical line.
func isContinuation(line string) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}

// parseBlock maps the unfolded lines of one VEVENT to a Record. A repeated
// property overwrites the earlier value. ok is false when DTSTART is
// missing or unparsable.
func parseBlock(lines []string) (model.Record, bool) {
	rec := model.Record{Title: model.DefaultTitle}

	var (
		dtStart, dtEnd     string
		haveStart, haveEnd bool
	)

	for _, line := range lines {
		switch {
		case hasPropPrefix(line, propSummary):
			rec.Title = line[len(propSummary):]
		case hasPropPrefix(line, propDtStart):
			if v, ok := valueAfterColon(line); ok {
				dtStart, haveStart = v, true
			}
		case hasPropPrefix(line, propDtEnd):
			if v, ok := valueAfterColon(line); ok {
				dtEnd, haveEnd = v, true
			}
		case hasPropPrefix(line, propLocation):
			v := line[len(propLocation):]
			rec.Location = &v
		case hasPropPrefix(line, propDescription):
			v := line[len(propDescription):]
			rec.Notes = &v
		}
	}

	if !haveStart {
		return model.Record{}, false
	}
	start, ok := ParseDate(dtStart)
	if !ok {
		return model.Record{}, false
	}
	rec.Start = start

	if haveEnd {
		if end, ok := ParseDate(dtEnd); ok {
			rec.End = &end
		}
	}

	return rec, true
}

// hasPropPrefix is an ASCII case-insensitive strings.HasPrefix.
func hasPropPrefix(line, prefix string) bool {
	if len(line) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		c := line[i]
		if 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c != prefix[i] {
			return false
		}
	}
	return true
}

// valueAfterColon returns the part of a property line after its first colon.
// Any parameters (";TZID=...") before the colon are discarded.
func valueAfterColon(line string) (string, bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", false
	}
	return line[i+1:], true
}

// ParseDate parses the three date forms accepted for DTSTART/DTEND:
//
//	20251104T090000Z  UTC date-time
//	20251104T090000   local date-time
//	20251104          local midnight
//
// Surrounding whitespace is ignored. Any other shape reports ok=false.
func ParseDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)

	var (
		t   time.Time
		err error
	)
	switch {
	case utcTimePattern.MatchString(v):
		t, err = time.Parse("20060102T150405Z", v)
	case localTimePattern.MatchString(v):
		t, err = time.ParseInLocation("20060102T150405", v, time.Local)
	case datePattern.MatchString(v):
		t, err = time.ParseInLocation("20060102", v, time.Local)
	default:
		return time.Time{}, false
	}
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
