package nntp

import (
	"fmt"
	"strconv"
	"strings"
)

// OverviewField is one entry of an overview format as returned by LIST
// OVERVIEW.FMT.
type OverviewField struct {
	Name string // Header name including trailing colon, e.g. "Subject:".
	Full bool   // Value on the wire includes the header name.
}

// DefaultOverviewFmt is the format assumed when a server does not implement
// LIST OVERVIEW.FMT. The seven standard fields from RFC 3977.
func DefaultOverviewFmt() []OverviewField {
	return []OverviewField{
		{Name: "Subject:"},
		{Name: "From:"},
		{Name: "Date:"},
		{Name: "Message-ID:"},
		{Name: "References:"},
		{Name: "Content-Length:"},
		{Name: "Lines:"},
	}
}

// ParseOverviewFmt parses the body lines of a LIST OVERVIEW.FMT response.
// The "Bytes:" field is normalized to "Content-Length:", and a ":full" suffix
// is recorded and stripped.
func ParseOverviewFmt(lines []string) []OverviewField {
	var l []OverviewField
	for _, s := range lines {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		var f OverviewField
		if n := len(s) - len(":full"); n > 0 && strings.EqualFold(s[n:], ":full") {
			f.Full = true
			s = s[:n+1]
		}
		if !strings.HasSuffix(s, ":") {
			s += ":"
		}
		if strings.EqualFold(s, "Bytes:") {
			s = "Content-Length:"
		}
		f.Name = s
		l = append(l, f)
	}
	return l
}

// Overview is the parsed overview information of a single article.
type Overview struct {
	Num        Anum
	Subject    string
	From       string
	Date       string
	MessageID  string
	References string
	Bytes      int64
	Lines      int64
	Extra      []string // Remaining fields as "Header: value" lines.
}

// ParseOverview parses a single tab-separated line from an OVER/XOVER
// response according to format. The first field is the article number,
// remaining fields follow the format. Short lines are allowed, missing
// fields stay empty.
func ParseOverview(line string, format []OverviewField) (Overview, error) {
	var ov Overview
	t := strings.Split(line, "\t")
	n, err := strconv.ParseUint(strings.TrimSpace(t[0]), 10, 63)
	if err != nil {
		return ov, fmt.Errorf("parsing article number %q: %v", t[0], err)
	}
	ov.Num = Anum(n)
	t = t[1:]
	for i, f := range format {
		if i >= len(t) {
			break
		}
		v := t[i]
		if f.Full {
			// Value includes the header name, strip it.
			if len(v) >= len(f.Name) && strings.EqualFold(v[:len(f.Name)], f.Name) {
				v = strings.TrimLeft(v[len(f.Name):], " \t")
			}
		}
		switch strings.ToLower(f.Name) {
		case "subject:":
			ov.Subject = v
		case "from:":
			ov.From = v
		case "date:":
			ov.Date = v
		case "message-id:":
			ov.MessageID = v
		case "references:":
			ov.References = v
		case "content-length:":
			ov.Bytes, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		case "lines:":
			ov.Lines, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		default:
			if v != "" {
				if f.Full {
					ov.Extra = append(ov.Extra, f.Name+" "+v)
				} else {
					ov.Extra = append(ov.Extra, v)
				}
			}
		}
	}
	return ov, nil
}
