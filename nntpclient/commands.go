package nntpclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jmeertens/sabel/nlog"
	"github.com/jmeertens/sabel/nntp"
)

// transact sends cmd and reads its status line. A 480 response triggers
// authentication and a retry. A lost connection triggers, when a Dialer is
// configured, a reconnect with the current group reselected, and a retry. Both
// happen at most once per command.
func (c *Client) transact(ctx context.Context, cmd string) (code int, text, line string, rerr error) {
	for attempt := 0; ; attempt++ {
		code, text, line, rerr = c.transact1(cmd)
		if rerr == nil && code == nntp.C480AuthRequired && attempt == 0 && c.canAuth() {
			if err := c.Authenticate(ctx); err != nil {
				return 0, "", "", err
			}
			continue
		}
		if rerr != nil && c.botched && c.opts.Dialer != nil && attempt == 0 {
			if err := c.reconnect(ctx); err != nil {
				return 0, "", "", err
			}
			continue
		}
		return
	}
}

func (c *Client) transact1(cmd string) (code int, text, line string, rerr error) {
	defer c.recover(&rerr)

	if c.origConn == nil {
		rerr = ErrClosed
		return
	} else if c.botched {
		rerr = ErrBotched
		return
	}

	word, _, _ := strings.Cut(cmd, " ")
	c.cmds[0] = strings.ToLower(word)
	c.cmdStart = time.Now()
	c.xwriteline(cmd)
	code, text, line = c.xread1()
	return
}

// fetchLines runs a command that responds with a multi-line data block on
// okcode, passing each line to fn and finally nil. See xreadDotLines.
func (c *Client) fetchLines(ctx context.Context, cmd string, okcode int, fn func(line []byte) error) (rerr error) {
	code, _, line, err := c.transact(ctx, cmd)
	if err != nil {
		return err
	}
	if code != okcode {
		return c.errorf(true, code, line, "%w: got %d, expected %d", ErrStatus, code, okcode)
	}

	defer c.recover(&rerr)
	c.xreadDotLines(fn)
	return
}

// Group selects a newsgroup, returning the server's estimated article count
// and the lowest and highest article numbers in the group. The selection
// sticks for article commands, also across reconnects. A 411 response returns
// an error wrapping ErrNoGroup.
func (c *Client) Group(ctx context.Context, name string) (count, first, last nntp.Anum, rerr error) {
	code, text, line, err := c.transact(ctx, "GROUP "+name)
	if err != nil {
		return 0, 0, 0, err
	}
	if code == nntp.C411NoSuchGroup {
		return 0, 0, 0, c.errorf(true, code, line, "%w: %s", ErrNoGroup, name)
	}
	if code != nntp.C211Group {
		return 0, 0, 0, c.errorf(true, code, line, "%w: got %d, expected 211", ErrStatus, code)
	}
	count, first, last, err = parseGroupStatus(text)
	if err != nil {
		return 0, 0, 0, c.errorf(true, code, line, "%w: GROUP: %s", ErrProtocol, err)
	}
	c.group = name
	c.groupCount, c.groupFirst, c.groupLast = count, first, last
	return count, first, last, nil
}

// parseGroupStatus parses the text after a 211 code: "count first last name".
func parseGroupStatus(text string) (count, first, last nntp.Anum, rerr error) {
	t := strings.Fields(text)
	if len(t) < 3 {
		return 0, 0, 0, fmt.Errorf("malformed group status %q", text)
	}
	nums := make([]nntp.Anum, 3)
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseUint(t[i], 10, 63)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("malformed number %q in group status", t[i])
		}
		nums[i] = nntp.Anum(v)
	}
	return nums[0], nums[1], nums[2], nil
}

// ListGroup selects group name and lists the numbers of the articles present
// in the range first through last, in increasing order. fn is called for each
// number. With last 0, the range is unbounded.
func (c *Client) ListGroup(ctx context.Context, name string, first, last nntp.Anum, fn func(nntp.Anum) error) error {
	cmd := "LISTGROUP " + name
	if last > 0 && c.hasListgroupRange {
		cmd += fmt.Sprintf(" %d-%d", first, last)
	}
	err := c.fetchLines(ctx, cmd, nntp.C211Group, func(line []byte) error {
		if line == nil {
			return nil
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(line)), 10, 63)
		if err != nil {
			c.log.Debug("skipping malformed listgroup line", slog.String("line", string(line)))
			return nil
		}
		return fn(nntp.Anum(v))
	})
	if err == nil {
		c.group = name
	}
	return err
}

// ActiveGroup is one line of a LIST (ACTIVE) or NEWGROUPS response.
type ActiveGroup struct {
	Name  string
	Last  nntp.Anum // Highest article number.
	First nntp.Anum // Lowest article number.
	Flag  string    // "y" posting allowed, "n" not, "m" moderated, "=name" renamed.
}

func parseActiveLine(line string) (ActiveGroup, error) {
	t := strings.Fields(line)
	if len(t) < 3 {
		return ActiveGroup{}, fmt.Errorf("malformed active line %q", line)
	}
	last, err := strconv.ParseUint(t[1], 10, 63)
	if err != nil {
		return ActiveGroup{}, fmt.Errorf("malformed high water mark in %q", line)
	}
	first, err := strconv.ParseUint(t[2], 10, 63)
	if err != nil {
		return ActiveGroup{}, fmt.Errorf("malformed low water mark in %q", line)
	}
	g := ActiveGroup{Name: t[0], Last: nntp.Anum(last), First: nntp.Anum(first)}
	if len(t) > 3 {
		g.Flag = t[3]
	}
	return g, nil
}

// ListActive fetches the group list with LIST ACTIVE, optionally restricted
// with a wildmat pattern. Malformed lines are skipped.
func (c *Client) ListActive(ctx context.Context, wildmat string, fn func(ActiveGroup) error) error {
	cmd := "LIST"
	if wildmat != "" {
		cmd = "LIST ACTIVE " + wildmat
	}
	return c.fetchLines(ctx, cmd, nntp.C215List, func(line []byte) error {
		if line == nil {
			return nil
		}
		g, err := parseActiveLine(string(line))
		if err != nil {
			c.log.Debugx("skipping malformed active line", err)
			return nil
		}
		return fn(g)
	})
}

// ListNewsgroups fetches group descriptions, using LIST NEWSGROUPS when the
// server implements it and falling back to XGTITLE on old servers. fn is
// called with each group name and its description.
func (c *Client) ListNewsgroups(ctx context.Context, wildmat string, fn func(name, description string) error) error {
	cmd := "LIST NEWSGROUPS"
	okcode := nntp.C215List
	if !c.hasListNewsgroups && c.hasXGTitle {
		cmd = "XGTITLE"
		okcode = nntp.C282XGTitle
	}
	if wildmat != "" {
		cmd += " " + wildmat
	}
	return c.fetchLines(ctx, cmd, okcode, func(line []byte) error {
		if line == nil {
			return nil
		}
		s := string(line)
		i := strings.IndexAny(s, " \t")
		if i < 0 {
			return fn(s, "")
		}
		return fn(s[:i], strings.TrimLeft(s[i:], " \t"))
	})
}

// Over fetches overview data for the article range first through last in the
// selected group, using OVER or the pre-standard XOVER. fn is called for each
// parsed line, malformed lines are skipped.
func (c *Client) Over(ctx context.Context, first, last nntp.Anum, fn func(nntp.Overview) error) error {
	cmd := "OVER"
	if !c.hasOver {
		cmd = "XOVER"
	}
	cmd += fmt.Sprintf(" %d-%d", first, last)
	return c.fetchLines(ctx, cmd, nntp.C224Overview, func(line []byte) error {
		if line == nil {
			return nil
		}
		ov, err := nntp.ParseOverview(string(line), c.overviewFmt)
		if err != nil {
			c.log.Debugx("skipping malformed overview line", err)
			return nil
		}
		return fn(ov)
	})
}

// articleRef formats an article reference: a message-id is passed through, an
// article number in the selected group is formatted as decimal.
func articleRef(num nntp.Anum, messageID string) string {
	if messageID != "" {
		return messageID
	}
	return strconv.FormatInt(int64(num), 10)
}

func (c *Client) xfetchArticle(ctx context.Context, cmd string, okcode int, w io.Writer) (rerr error) {
	code, _, line, err := c.transact(ctx, cmd)
	if err != nil {
		return err
	}
	switch code {
	case okcode:
	case nntp.C423NoArticleNum, nntp.C430NoArticle, nntp.C420NoArticle:
		return c.errorf(true, code, line, "%w", ErrNoArticle)
	default:
		return c.errorf(true, code, line, "%w: got %d, expected %d", ErrStatus, code, okcode)
	}

	defer c.recover(&rerr)
	defer c.xtrace(nlog.LevelTracedata)()
	var werr error
	c.xreadDotLines(func(b []byte) error {
		if b == nil || werr != nil {
			return nil
		}
		if _, err := w.Write(b); err != nil {
			werr = err
			return nil
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			werr = err
		}
		return nil
	})
	if werr != nil {
		return fmt.Errorf("writing article data: %w", werr)
	}
	return nil
}

// Head fetches the headers of an article, writing them to w with lines
// terminated by bare newlines. The article is referenced by number in the
// selected group, or by messageID when not empty. Missing articles return an
// error wrapping ErrNoArticle.
func (c *Client) Head(ctx context.Context, num nntp.Anum, messageID string, w io.Writer) error {
	return c.xfetchArticle(ctx, "HEAD "+articleRef(num, messageID), nntp.C221Head, w)
}

// Article fetches a complete article, headers and body, writing it to w with
// lines terminated by bare newlines.
func (c *Client) Article(ctx context.Context, num nntp.Anum, messageID string, w io.Writer) error {
	return c.xfetchArticle(ctx, "ARTICLE "+articleRef(num, messageID), nntp.C220Article, w)
}

// Body fetches the body of an article, writing it to w with lines terminated
// by bare newlines.
func (c *Client) Body(ctx context.Context, num nntp.Anum, messageID string, w io.Writer) error {
	return c.xfetchArticle(ctx, "BODY "+articleRef(num, messageID), nntp.C222Body, w)
}

// Stat checks whether an article exists without fetching it, returning its
// number and message-id.
func (c *Client) Stat(ctx context.Context, num nntp.Anum, messageID string) (nntp.Anum, string, error) {
	code, text, line, err := c.transact(ctx, "STAT "+articleRef(num, messageID))
	if err != nil {
		return 0, "", err
	}
	switch code {
	case nntp.C223Stat:
	case nntp.C423NoArticleNum, nntp.C430NoArticle, nntp.C420NoArticle:
		return 0, "", c.errorf(true, code, line, "%w", ErrNoArticle)
	default:
		return 0, "", c.errorf(true, code, line, "%w: got %d, expected 223", ErrStatus, code)
	}
	t := strings.Fields(text)
	if len(t) < 2 {
		return 0, "", c.errorf(true, code, line, "%w: malformed STAT response", ErrProtocol)
	}
	v, perr := strconv.ParseUint(t[0], 10, 63)
	if perr != nil {
		return 0, "", c.errorf(true, code, line, "%w: malformed article number in STAT response", ErrProtocol)
	}
	return nntp.Anum(v), t[1], nil
}

// XPat matches a header against a wildmat pattern over a range of articles in
// the selected group, an extension most servers implement. fn is called with
// each matching article number and the header value.
func (c *Client) XPat(ctx context.Context, header string, first, last nntp.Anum, pattern string, fn func(num nntp.Anum, value string) error) error {
	cmd := fmt.Sprintf("XPAT %s %d-%d %s", header, first, last, pattern)
	return c.fetchLines(ctx, cmd, nntp.C221Head, func(line []byte) error {
		if line == nil {
			return nil
		}
		s := string(line)
		nums, value, _ := strings.Cut(s, " ")
		v, err := strconv.ParseUint(nums, 10, 63)
		if err != nil {
			c.log.Debug("skipping malformed xpat line", slog.String("line", s))
			return nil
		}
		return fn(nntp.Anum(v), value)
	})
}

// Post submits an article. The message is read from r, lines may end in bare
// LF or CRLF, dot stuffing and the terminating dot are added on the wire. A
// 440 response returns an error wrapping ErrNoPosting.
func (c *Client) Post(ctx context.Context, r io.Reader) (rerr error) {
	code, _, line, err := c.transact(ctx, "POST")
	if err != nil {
		return err
	}
	if code == nntp.C440PostProhibit {
		return c.errorf(true, code, line, "%w", ErrNoPosting)
	}
	if code != nntp.C340SendArticle {
		return c.errorf(true, code, line, "%w: got %d, expected 340", ErrStatus, code)
	}

	defer c.recover(&rerr)
	defer c.xtrace(nlog.LevelTracedata)()
	if err := nntp.DataWrite(c.w, r); err != nil {
		c.xbotchf(0, "", "writing article data: %w", err)
	}
	c.xflush()
	c.xtrace(nlog.LevelTrace) // Restore.
	code, _, line = c.xread1()
	if code != nntp.C240PostOK {
		c.xerrorf(true, code, line, "%w: got %d, expected 240", ErrStatus, code)
	}
	return nil
}

// NewGroups lists groups created since the given time, in the same format as
// LIST ACTIVE. The timestamp is sent in UTC.
func (c *Client) NewGroups(ctx context.Context, since time.Time, fn func(ActiveGroup) error) error {
	cmd := "NEWGROUPS " + since.UTC().Format("20060102 150405") + " GMT"
	return c.fetchLines(ctx, cmd, nntp.C231NewGroups, func(line []byte) error {
		if line == nil {
			return nil
		}
		g, err := parseActiveLine(string(line))
		if err != nil {
			c.log.Debugx("skipping malformed newgroups line", err)
			return nil
		}
		return fn(g)
	})
}

// Date returns the server's current time, for keeping NEWGROUPS timestamps
// aligned with the server clock. Servers without DATE return the local clock.
func (c *Client) Date(ctx context.Context) (time.Time, error) {
	if !c.hasDate {
		return time.Now(), nil
	}
	code, text, line, err := c.transact(ctx, "DATE")
	if err != nil {
		return time.Time{}, err
	}
	if code != nntp.C111Date {
		return time.Time{}, c.errorf(true, code, line, "%w: got %d, expected 111", ErrStatus, code)
	}
	tm, perr := time.Parse("20060102150405", strings.TrimSpace(text))
	if perr != nil {
		return time.Time{}, c.errorf(true, code, line, "%w: malformed DATE response: %s", ErrProtocol, perr)
	}
	return tm.UTC(), nil
}
