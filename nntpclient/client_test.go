package nntpclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jmeertens/sabel/nntp"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got %#v, expected %#v", got, expect)
	}
}

// testServer scripts the server side of a connection. Failures panic, the
// panic is turned into an error on the result channel by serve.
type testServer struct {
	conn net.Conn
	br   *bufio.Reader
}

func serve(script func(s *testServer)) (net.Conn, chan error) {
	clientConn, serverConn := net.Pipe()
	result := make(chan error, 1)
	go func() {
		defer serverConn.Close()
		defer func() {
			if x := recover(); x != nil {
				result <- fmt.Errorf("%v", x)
			} else {
				result <- nil
			}
		}()
		script(&testServer{serverConn, bufio.NewReader(serverConn)})
	}()
	return clientConn, result
}

func (s *testServer) readline(prefix string) string {
	line, err := s.br.ReadString('\n')
	if err != nil {
		panic(fmt.Sprintf("server: reading command: %v", err))
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(strings.ToUpper(line), strings.ToUpper(prefix)) {
		panic(fmt.Sprintf("server: expected command %q, got %q", prefix, line))
	}
	return line
}

func (s *testServer) writeline(line string) {
	if _, err := s.conn.Write([]byte(line + "\r\n")); err != nil {
		panic(fmt.Sprintf("server: writing %q: %v", line, err))
	}
}

// hello does the session setup for a server with CAPABILITIES and READER.
func (s *testServer) hello(over bool, extraCaps ...string) {
	s.writeline("200 news.example ready")
	s.capabilities(over, extraCaps...)
	if over {
		s.readline("LIST OVERVIEW.FMT")
		s.writeline("215 order of fields")
		for _, f := range []string{"Subject:", "From:", "Date:", "Message-ID:", "References:", "Bytes:", "Lines:"} {
			s.writeline(f)
		}
		s.writeline(".")
	}
}

func (s *testServer) capabilities(over bool, extraCaps ...string) {
	s.readline("CAPABILITIES")
	s.writeline("101 capabilities")
	s.writeline("VERSION 2")
	s.writeline("READER")
	if over {
		s.writeline("OVER")
	}
	for _, c := range extraCaps {
		s.writeline(c)
	}
	s.writeline(".")
}

func (s *testServer) quit() {
	s.readline("QUIT")
	s.writeline("205 bye")
}

func TestSession(t *testing.T) {
	conn, result := serve(func(s *testServer) {
		s.hello(true)
		s.quit()
	})
	c, err := New(ctxbg, nil, conn, TLSSkip, false, "news.example", Opts{})
	tcheck(t, err, "new client")
	if !c.PostingAllowed() {
		t.Fatalf("posting not allowed after 200 greeting")
	}
	if c.Banner() != "news.example ready" {
		t.Fatalf("banner %q", c.Banner())
	}
	if !c.SupportsOver() || !c.SupportsListgroup() {
		t.Fatalf("expected over and listgroup support")
	}
	// Bytes: must have been rewritten while parsing the overview format.
	fields := c.OverviewFmt()
	if len(fields) != 7 || fields[5].Name != "Content-Length:" {
		t.Fatalf("overview format %v", fields)
	}
	err = c.Close()
	tcheck(t, err, "close")
	tcheck(t, <-result, "server")
}

func TestProbe(t *testing.T) {
	// Old server without CAPABILITIES: the client probes features and falls
	// back to the default overview format.
	conn, result := serve(func(s *testServer) {
		s.writeline("201 old server, no posting")
		s.readline("CAPABILITIES")
		s.writeline("500 what?")
		s.readline("MODE READER")
		s.writeline("200 posting allowed")
		s.readline("DATE")
		s.writeline("111 20240102030405")
		s.readline("LISTGROUP")
		s.writeline("412 no newsgroup selected")
		s.readline("LIST NEWSGROUPS")
		s.writeline("215 descriptions")
		s.writeline("misc.test A test group")
		s.writeline(".")
		s.readline("XOVER")
		s.writeline("412 no newsgroup selected")
		s.readline("LIST OVERVIEW.FMT")
		s.writeline("503 no overview format")

		s.readline("DATE")
		s.writeline("111 20240102030405")
		s.quit()
	})
	c, err := New(ctxbg, nil, conn, TLSSkip, false, "news.example", Opts{})
	tcheck(t, err, "new client")
	if !c.PostingAllowed() {
		t.Fatalf("MODE READER response should have enabled posting")
	}
	if !c.SupportsOver() {
		t.Fatalf("XOVER probe should have been accepted")
	}
	tcompare(t, c.OverviewFmt(), nntp.DefaultOverviewFmt())

	tm, err := c.Date(ctxbg)
	tcheck(t, err, "date")
	tcompare(t, tm, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))

	err = c.Close()
	tcheck(t, err, "close")
	tcheck(t, <-result, "server")
}

func TestCommands(t *testing.T) {
	conn, result := serve(func(s *testServer) {
		s.hello(true)

		s.readline("GROUP misc.test")
		s.writeline("211 3 5 7 misc.test")

		s.readline("LISTGROUP misc.test 5-7")
		s.writeline("211 3 5 7 misc.test")
		s.writeline("5")
		s.writeline("6")
		s.writeline("7")
		s.writeline(".")

		s.readline("OVER 5-7")
		s.writeline("224 overview follows")
		s.writeline("5\tHi\tx@y\tMon, 1 Jan 2024 00:00:00 +0000\t<abc@x>\t\t123\t7")
		s.writeline("6\t..dots\ta@b\tMon, 1 Jan 2024 00:00:01 +0000\t<def@x>\t<abc@x>\t50\t2")
		s.writeline(".")

		s.readline("HEAD 5")
		s.writeline("221 5 <abc@x>")
		s.writeline("Subject: Hi")
		s.writeline("..leading dot preserved")
		s.writeline(".")

		s.readline("STAT 7")
		s.writeline("223 7 <ghi@x>")

		s.readline("XPAT References 5-7 *<abc@x>*")
		s.writeline("221 References matches follow")
		s.writeline("6 <abc@x>")
		s.writeline(".")

		s.readline("LIST")
		s.writeline("215 groups")
		s.writeline("misc.test 7 5 y")
		s.writeline(".")

		s.readline("NEWGROUPS 20240101 000000 GMT")
		s.writeline("231 new groups")
		s.writeline("misc.new 0 1 y")
		s.writeline(".")

		s.readline("ARTICLE 6")
		s.writeline("420 gone")

		s.quit()
	})
	c, err := New(ctxbg, nil, conn, TLSSkip, false, "news.example", Opts{})
	tcheck(t, err, "new client")

	count, first, last, err := c.Group(ctxbg, "misc.test")
	tcheck(t, err, "group")
	tcompare(t, []nntp.Anum{count, first, last}, []nntp.Anum{3, 5, 7})

	var nums []nntp.Anum
	err = c.ListGroup(ctxbg, "misc.test", 5, 7, func(n nntp.Anum) error {
		nums = append(nums, n)
		return nil
	})
	tcheck(t, err, "listgroup")
	tcompare(t, nums, []nntp.Anum{5, 6, 7})

	var ovs []nntp.Overview
	err = c.Over(ctxbg, 5, 7, func(ov nntp.Overview) error {
		ovs = append(ovs, ov)
		return nil
	})
	tcheck(t, err, "over")
	if len(ovs) != 2 || ovs[0].Num != 5 || ovs[0].Subject != "Hi" || ovs[0].MessageID != "<abc@x>" || ovs[0].Bytes != 123 || ovs[0].Lines != 7 {
		t.Fatalf("overview records %+v", ovs)
	}
	if ovs[1].Subject != "..dots" || ovs[1].References != "<abc@x>" {
		t.Fatalf("second overview record %+v", ovs[1])
	}

	var hdr bytes.Buffer
	err = c.Head(ctxbg, 5, "", &hdr)
	tcheck(t, err, "head")
	tcompare(t, hdr.String(), "Subject: Hi\n.leading dot preserved\n")

	num, msgid, err := c.Stat(ctxbg, 7, "")
	tcheck(t, err, "stat")
	tcompare(t, num, nntp.Anum(7))
	tcompare(t, msgid, "<ghi@x>")

	var matches []nntp.Anum
	err = c.XPat(ctxbg, "References", 5, 7, "*<abc@x>*", func(n nntp.Anum, value string) error {
		matches = append(matches, n)
		return nil
	})
	tcheck(t, err, "xpat")
	tcompare(t, matches, []nntp.Anum{6})

	var groups []ActiveGroup
	err = c.ListActive(ctxbg, "", func(g ActiveGroup) error {
		groups = append(groups, g)
		return nil
	})
	tcheck(t, err, "list")
	tcompare(t, groups, []ActiveGroup{{Name: "misc.test", Last: 7, First: 5, Flag: "y"}})

	var newGroups []ActiveGroup
	err = c.NewGroups(ctxbg, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), func(g ActiveGroup) error {
		newGroups = append(newGroups, g)
		return nil
	})
	tcheck(t, err, "newgroups")
	tcompare(t, newGroups, []ActiveGroup{{Name: "misc.new", Last: 0, First: 1, Flag: "y"}})

	var sink bytes.Buffer
	err = c.Article(ctxbg, 6, "", &sink)
	if !errors.Is(err, ErrNoArticle) {
		t.Fatalf("expected ErrNoArticle for 420 response, got %v", err)
	}

	err = c.Close()
	tcheck(t, err, "close")
	tcheck(t, <-result, "server")
}

func TestNoGroup(t *testing.T) {
	conn, result := serve(func(s *testServer) {
		s.hello(true)
		s.readline("GROUP misc.gone")
		s.writeline("411 no such newsgroup")
		s.quit()
	})
	c, err := New(ctxbg, nil, conn, TLSSkip, false, "news.example", Opts{})
	tcheck(t, err, "new client")
	_, _, _, err = c.Group(ctxbg, "misc.gone")
	if !errors.Is(err, ErrNoGroup) {
		t.Fatalf("expected ErrNoGroup, got %v", err)
	}
	err = c.Close()
	tcheck(t, err, "close")
	tcheck(t, <-result, "server")
}

func TestAuthOnDemand(t *testing.T) {
	// A 480 response triggers authentication and a transparent retry of the
	// command.
	conn, result := serve(func(s *testServer) {
		s.hello(true, "AUTHINFO USER")
		s.readline("GROUP misc.test")
		s.writeline("480 authentication required")
		s.readline("AUTHINFO USER mjl")
		s.writeline("381 password required")
		s.readline("AUTHINFO PASS sesame")
		s.writeline("281 welcome")
		s.readline("GROUP misc.test")
		s.writeline("211 3 5 7 misc.test")
		s.quit()
	})
	c, err := New(ctxbg, nil, conn, TLSSkip, false, "news.example", Opts{User: "mjl", Password: "sesame"})
	tcheck(t, err, "new client")
	_, first, last, err := c.Group(ctxbg, "misc.test")
	tcheck(t, err, "group with auth roundtrip")
	tcompare(t, []nntp.Anum{first, last}, []nntp.Anum{5, 7})
	err = c.Close()
	tcheck(t, err, "close")
	tcheck(t, <-result, "server")
}

func TestAuthSASLPlain(t *testing.T) {
	expect := base64.StdEncoding.EncodeToString([]byte("\x00mjl\x00sesame"))
	conn, result := serve(func(s *testServer) {
		s.hello(true, "SASL PLAIN")
		line := s.readline("AUTHINFO SASL PLAIN ")
		got := strings.TrimPrefix(line, "AUTHINFO SASL PLAIN ")
		if got != expect {
			panic(fmt.Sprintf("server: PLAIN initial response %q, expected %q", got, expect))
		}
		s.writeline("281 authenticated")
		s.quit()
	})
	c, err := New(ctxbg, nil, conn, TLSSkip, false, "news.example", Opts{User: "mjl", Password: "sesame"})
	tcheck(t, err, "new client")
	err = c.Authenticate(ctxbg)
	tcheck(t, err, "authenticate")
	err = c.Close()
	tcheck(t, err, "close")
	tcheck(t, <-result, "server")
}

func TestAuthSASLCRAMMD5(t *testing.T) {
	challenge := "<123.1700000000@news.example>"
	mac := hmac.New(md5.New, []byte("sesame"))
	mac.Write([]byte(challenge))
	expect := fmt.Sprintf("mjl %x", mac.Sum(nil))

	conn, result := serve(func(s *testServer) {
		s.hello(true, "SASL CRAM-MD5")
		s.readline("AUTHINFO SASL CRAM-MD5")
		s.writeline("383 " + base64.StdEncoding.EncodeToString([]byte(challenge)))
		line := s.readline("")
		buf, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			panic(fmt.Sprintf("server: decoding CRAM-MD5 response: %v", err))
		}
		if string(buf) != expect {
			panic(fmt.Sprintf("server: CRAM-MD5 response %q, expected %q", buf, expect))
		}
		s.writeline("281 authenticated")
		s.quit()
	})
	c, err := New(ctxbg, nil, conn, TLSSkip, false, "news.example", Opts{User: "mjl", Password: "sesame", AuthMethods: []string{"CRAM-MD5"}})
	tcheck(t, err, "new client")
	err = c.Authenticate(ctxbg)
	tcheck(t, err, "authenticate")
	err = c.Close()
	tcheck(t, err, "close")
	tcheck(t, <-result, "server")
}

func TestPost(t *testing.T) {
	conn, result := serve(func(s *testServer) {
		s.hello(true)

		s.readline("POST")
		s.writeline("340 send article")
		var data bytes.Buffer
		for {
			line, err := s.br.ReadString('\n')
			if err != nil {
				panic(fmt.Sprintf("server: reading article data: %v", err))
			}
			data.WriteString(line)
			if line == ".\r\n" {
				break
			}
		}
		expect := "a\r\n..\r\nb\r\n...c\r\n.\r\n"
		if data.String() != expect {
			panic(fmt.Sprintf("server: posted data %q, expected %q", data.String(), expect))
		}
		s.writeline("240 article received")

		s.readline("POST")
		s.writeline("440 posting not allowed")

		s.quit()
	})
	c, err := New(ctxbg, nil, conn, TLSSkip, false, "news.example", Opts{})
	tcheck(t, err, "new client")

	err = c.Post(ctxbg, strings.NewReader("a\n.\nb\n..c\n"))
	tcheck(t, err, "post")

	err = c.Post(ctxbg, strings.NewReader("x\n"))
	if !errors.Is(err, ErrNoPosting) {
		t.Fatalf("expected ErrNoPosting, got %v", err)
	}

	err = c.Close()
	tcheck(t, err, "close")
	tcheck(t, <-result, "server")
}

func TestReconnect(t *testing.T) {
	// The connection dies during a command. With a Dialer configured the
	// client redials, reselects the group and retries the command.
	conn2, result2 := serve(func(s *testServer) {
		s.hello(true)
		s.readline("GROUP misc.test")
		s.writeline("211 3 5 7 misc.test")
		s.readline("DATE")
		s.writeline("111 20240102030405")
		s.quit()
	})
	dialed := false
	opts := Opts{
		Dialer: func(ctx context.Context) (net.Conn, error) {
			if dialed {
				return nil, fmt.Errorf("no more connections")
			}
			dialed = true
			return conn2, nil
		},
	}

	conn1, result1 := serve(func(s *testServer) {
		s.hello(true)
		s.readline("GROUP misc.test")
		s.writeline("211 3 5 7 misc.test")
		s.readline("DATE")
		s.conn.Close()
	})
	c, err := New(ctxbg, nil, conn1, TLSSkip, false, "news.example", opts)
	tcheck(t, err, "new client")

	_, _, _, err = c.Group(ctxbg, "misc.test")
	tcheck(t, err, "group")

	// The first connection dies mid-command. Reconnecting must restore the
	// group selection before the retry.
	_, err = c.Date(ctxbg)
	tcheck(t, err, "date after reconnect")
	if !dialed {
		t.Fatalf("dialer was not used")
	}

	err = c.Close()
	tcheck(t, err, "close")
	tcheck(t, <-result1, "first server")
	tcheck(t, <-result2, "second server")
}

func TestReconnectQuestion(t *testing.T) {
	// A failed reconnect attempt is put to the Question callback: answering
	// yes dials again, answering no fails the command.
	conn2, result2 := serve(func(s *testServer) {
		s.hello(true)
		s.readline("DATE")
		s.writeline("111 20240102030405")
		s.quit()
	})
	var dials, questions int
	opts := Opts{
		Dialer: func(ctx context.Context) (net.Conn, error) {
			dials++
			if dials == 1 {
				return nil, fmt.Errorf("host unreachable")
			}
			return conn2, nil
		},
		Question: func(msg string) bool {
			questions++
			return true
		},
	}
	conn1, result1 := serve(func(s *testServer) {
		s.hello(true)
		s.readline("DATE")
		s.conn.Close()
	})
	c, err := New(ctxbg, nil, conn1, TLSSkip, false, "news.example", opts)
	tcheck(t, err, "new client")
	_, err = c.Date(ctxbg)
	tcheck(t, err, "date after confirmed retry")
	if dials != 2 || questions != 1 {
		t.Fatalf("%d dials and %d questions, expected 2 and 1", dials, questions)
	}
	err = c.Close()
	tcheck(t, err, "close")
	tcheck(t, <-result1, "first server")
	tcheck(t, <-result2, "second server")

	// Refusing gives up with the reconnect error.
	conn3, result3 := serve(func(s *testServer) {
		s.hello(true)
		s.readline("DATE")
		s.conn.Close()
	})
	refused := 0
	opts = Opts{
		Dialer: func(ctx context.Context) (net.Conn, error) {
			return nil, fmt.Errorf("host unreachable")
		},
		Question: func(msg string) bool {
			refused++
			return false
		},
	}
	c, err = New(ctxbg, nil, conn3, TLSSkip, false, "news.example", opts)
	tcheck(t, err, "new client")
	if _, err := c.Date(ctxbg); err == nil {
		t.Fatalf("expected error after refused reconnect")
	}
	if refused != 1 {
		t.Fatalf("%d questions after refusal, expected 1", refused)
	}
	tcheck(t, <-result3, "third server")
}

func TestCapabilityWithdrawn(t *testing.T) {
	// Capabilities are re-fetched after MODE READER (and STARTTLS), features
	// no longer advertised must not linger from the earlier parse.
	conn, result := serve(func(s *testServer) {
		s.writeline("200 news.example ready")
		s.readline("CAPABILITIES")
		s.writeline("101 capabilities")
		s.writeline("VERSION 2")
		s.writeline("OVER")
		s.writeline("LIST NEWSGROUPS")
		s.writeline(".")
		s.readline("MODE READER")
		s.writeline("200 posting allowed")
		s.capabilities(false)
		s.readline("XOVER")
		s.writeline("500 what?")
		s.quit()
	})
	c, err := New(ctxbg, nil, conn, TLSSkip, false, "news.example", Opts{})
	tcheck(t, err, "new client")
	if c.SupportsOver() {
		t.Fatalf("overview support kept from withdrawn capability")
	}
	if c.hasListNewsgroups {
		t.Fatalf("list newsgroups support kept from withdrawn capability")
	}
	tcompare(t, c.OverviewFmt(), nntp.DefaultOverviewFmt())
	err = c.Close()
	tcheck(t, err, "close")
	tcheck(t, <-result, "server")
}
