// Command sabel is a small Usenet client core: it reads and posts news over
// NNTP, keeping subscriptions in a newsrc file and articles in local header
// and body caches.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mjl-/sconf"
	"golang.org/x/sync/errgroup"

	"github.com/jmeertens/sabel/news"
	"github.com/jmeertens/sabel/nlog"
	"github.com/jmeertens/sabel/nntp"
)

var (
	configPath string
	loglevel   string
)

type cmd struct {
	words  []string
	params string // Arguments after the command words, for usage.
	help   string
	fn     func(args []string)
}

// Filled in init: the command functions reference usage, which walks this list.
var commands []cmd

func init() {
	commands = []cmd{
		{[]string{"groups"}, "[wildmat]", "List known groups with subscription state and unread counts, fetching the list from the server when no cache exists.", cmdGroups},
		{[]string{"refresh"}, "", "Fetch a fresh group list from the server, replacing the catalogue.", cmdRefresh},
		{[]string{"check"}, "[config-file ...]", "Check each server for new groups and new articles in subscribed groups. Without arguments the default config is checked.", cmdCheck},
		{[]string{"read"}, "group", "Open a group and print an overview line per loaded article.", cmdRead},
		{[]string{"cat"}, "group num|<message-id>", "Print one article, from the body cache when possible, and mark it read.", cmdCat},
		{[]string{"post"}, "file", "Post an article read from the file, or from stdin if file is -.", cmdPost},
		{[]string{"subscribe"}, "group", "Subscribe to a group in the newsrc.", cmdSubscribe},
		{[]string{"unsubscribe"}, "group", "Unsubscribe from a group in the newsrc.", cmdUnsubscribe},
		{[]string{"catchup"}, "group", "Mark all articles in a group as read.", cmdCatchup},
		{[]string{"config", "describe"}, "", "Print an annotated example config file.", cmdConfigDescribe},
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sabel [-config file] [-loglevel level] command ...")
	for _, c := range commands {
		s := strings.Join(c.words, " ")
		if c.params != "" {
			s += " " + c.params
		}
		fmt.Fprintln(os.Stderr, "\tsabel "+s)
	}
	os.Exit(2)
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "sabel: %s: %s\n", fmt.Sprintf(format, args...), err)
		os.Exit(1)
	}
}

func main() {
	flag.StringVar(&configPath, "config", "sabel.conf", "path to config file")
	flag.StringVar(&loglevel, "loglevel", "info", "log level: error, info, debug, trace, traceauth, tracedata")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	level, ok := nlog.Levels[loglevel]
	if !ok {
		fmt.Fprintf(os.Stderr, "sabel: unknown log level %q\n", loglevel)
		os.Exit(2)
	}
	nlog.SetConfig(map[string]slog.Level{"": level})

	for _, c := range commands {
		if len(args) < len(c.words) {
			continue
		}
		if !strings.EqualFold(strings.Join(args[:len(c.words)], " "), strings.Join(c.words, " ")) {
			continue
		}
		c.fn(args[len(c.words):])
		return
	}
	usage()
}

func xconfig() news.Config {
	var cfg news.Config
	err := sconf.ParseFile(configPath, &cfg)
	xcheckf(err, "parsing config file %s", configPath)
	return cfg
}

func xopen(ctx context.Context) *news.Server {
	srv, err := news.Open(ctx, slog.Default(), xconfig())
	xcheckf(err, "connecting")
	return srv
}

func cmdGroups(args []string) {
	if len(args) > 1 {
		usage()
	}
	wildmat := ""
	if len(args) == 1 {
		wildmat = args[0]
	}

	ctx := context.Background()
	srv := xopen(ctx)
	defer srv.Close()

	for _, g := range srv.Groups() {
		if wildmat != "" && !matchSimple(wildmat, g.Name) {
			continue
		}
		sub := " "
		if g.Subscribed {
			sub = "*"
		}
		flag := "n"
		if g.Allowed {
			flag = "y"
		}
		fmt.Printf("%s %s %s unread %d articles %d-%d", sub, g.Name, flag, g.Unread, g.First, g.Last)
		if g.Description != "" {
			fmt.Printf(" %s", g.Description)
		}
		fmt.Println()
	}
}

// matchSimple implements the common wildmat subset: '*' and '?'.
func matchSimple(pattern, s string) bool {
	var match func(p, s string) bool
	match = func(p, s string) bool {
		if p == "" {
			return s == ""
		}
		switch p[0] {
		case '*':
			for i := 0; i <= len(s); i++ {
				if match(p[1:], s[i:]) {
					return true
				}
			}
			return false
		case '?':
			return s != "" && match(p[1:], s[1:])
		default:
			return s != "" && s[0] == p[0] && match(p[1:], s[1:])
		}
	}
	return match(pattern, s)
}

func cmdRefresh(args []string) {
	if len(args) != 0 {
		usage()
	}
	ctx := context.Background()
	srv := xopen(ctx)
	defer srv.Close()
	err := srv.FetchActive(ctx, true)
	xcheckf(err, "fetching group list")
	fmt.Printf("%d groups\n", srv.Catalogue().Len())
}

func cmdCheck(args []string) {
	paths := args
	if len(paths) == 0 {
		paths = []string{configPath}
	}

	// One session per server, checked in parallel. Sessions are independent,
	// commands within each stay serial.
	var group errgroup.Group
	for _, path := range paths {
		path := path
		group.Go(func() error {
			var cfg news.Config
			if err := sconf.ParseFile(path, &cfg); err != nil {
				return fmt.Errorf("parsing config file %s: %v", path, err)
			}
			ctx := context.Background()
			srv, err := news.Open(ctx, slog.Default(), cfg)
			if err != nil {
				return fmt.Errorf("%s: connecting: %v", cfg.Address, err)
			}
			defer srv.Close()
			n, err := srv.CheckNewGroups(ctx)
			if err != nil {
				return fmt.Errorf("%s: checking for new groups: %v", cfg.Address, err)
			}
			fmt.Printf("%s: %d new groups\n", cfg.Address, n)
			for _, g := range srv.Groups() {
				if g.Subscribed && g.Unread > 0 {
					fmt.Printf("%s: %s: %d unread\n", cfg.Address, g.Name, g.Unread)
				}
			}
			return nil
		})
	}
	err := group.Wait()
	xcheckf(err, "checking servers")
}

func cmdRead(args []string) {
	if len(args) != 1 {
		usage()
	}
	ctx := context.Background()
	srv := xopen(ctx)
	defer srv.Close()

	view, err := srv.OpenGroup(ctx, args[0])
	xcheckf(err, "opening group %s", args[0])
	defer view.Close()

	for _, m := range view.Messages() {
		flags := ""
		if !m.Read {
			flags = "N"
			if m.Old {
				flags = "O"
			}
		}
		fmt.Printf("%d\t%1s\t%s\t%s\t%s\n", m.Num, flags, m.Envelope.Date, m.Envelope.From, m.Envelope.Subject)
	}
	fmt.Printf("%d articles, %d unread\n", len(view.Messages()), view.Unread())
}

func cmdCat(args []string) {
	if len(args) != 2 {
		usage()
	}
	ctx := context.Background()
	srv := xopen(ctx)
	defer srv.Close()

	view, err := srv.OpenGroup(ctx, args[0])
	xcheckf(err, "opening group %s", args[0])
	defer view.Close()

	var num nntp.Anum
	if strings.HasPrefix(args[1], "<") {
		m, err := view.FetchByID(ctx, args[1])
		xcheckf(err, "fetching %s", args[1])
		num = m.Num
	} else {
		var v uint64
		_, err := fmt.Sscanf(args[1], "%d", &v)
		xcheckf(err, "parsing article number %q", args[1])
		num = nntp.Anum(v)
	}

	r, err := view.MessageReader(ctx, num)
	xcheckf(err, "fetching article %d", num)
	defer r.Close()
	_, err = io.Copy(os.Stdout, r)
	xcheckf(err, "writing article")

	err = view.SetRead(num, true)
	xcheckf(err, "marking read")
	_, err = view.Sync(ctx)
	xcheckf(err, "syncing")
}

func cmdPost(args []string) {
	if len(args) != 1 {
		usage()
	}
	ctx := context.Background()
	srv := xopen(ctx)
	defer srv.Close()

	var r io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		xcheckf(err, "opening %s", args[0])
		defer f.Close()
		r = f
	}
	err := srv.Post(ctx, r)
	xcheckf(err, "posting article")
}

func cmdSubscribe(args []string) {
	if len(args) != 1 {
		usage()
	}
	ctx := context.Background()
	srv := xopen(ctx)
	defer srv.Close()
	err := srv.Subscribe(args[0])
	xcheckf(err, "subscribing to %s", args[0])
}

func cmdUnsubscribe(args []string) {
	if len(args) != 1 {
		usage()
	}
	ctx := context.Background()
	srv := xopen(ctx)
	defer srv.Close()
	err := srv.Unsubscribe(args[0])
	xcheckf(err, "unsubscribing from %s", args[0])
}

func cmdCatchup(args []string) {
	if len(args) != 1 {
		usage()
	}
	ctx := context.Background()
	srv := xopen(ctx)
	defer srv.Close()
	err := srv.Catchup(args[0])
	xcheckf(err, "marking %s read", args[0])
}

func cmdConfigDescribe(args []string) {
	if len(args) != 0 {
		usage()
	}
	cfg := news.Config{
		Address:    "news.example.com",
		CacheDir:   "/home/user/.cache/sabel",
		NewsrcPath: "/home/user/.newsrc",
	}
	err := sconf.Describe(os.Stdout, &cfg)
	xcheckf(err, "describing config")
}
