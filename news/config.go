// Package news ties the NNTP client, the group catalogue, the newsrc
// subscription database and the header/body caches together into a news
// reader core for a single server.
package news

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jmeertens/sabel/nntp"
	"github.com/jmeertens/sabel/nntpclient"
)

// Config is the per-server configuration, parsed from a config file in sconf
// format by the CLI.
type Config struct {
	Address       string   `sconf-doc:"Address of the news server, as host or host:port. The default port is 119, or 563 with immediate TLS."`
	TLS           string   `sconf:"optional" sconf-doc:"TLS mode, one of: immediate, requiredstarttls, opportunistic, skip. Immediate is TLS from the first byte (snews), requiredstarttls fails when the server does not offer STARTTLS, opportunistic (the default) upgrades when offered, skip never negotiates TLS."`
	TLSSkipVerify bool     `sconf:"optional" sconf-doc:"If set, TLS certificate verification errors are ignored. Insecure."`
	User          string   `sconf:"optional" sconf-doc:"Username for AUTHINFO USER/PASS and SASL PLAIN/CRAM-MD5."`
	Password      string   `sconf:"optional" sconf-doc:"Password belonging to User."`
	AuthMethods   []string `sconf:"optional" sconf-doc:"Authentication methods to try in order, overriding what the server advertises. USER means AUTHINFO USER/PASS, other values are SASL mechanism names such as PLAIN or CRAM-MD5."`

	CacheDir   string `sconf-doc:"Directory holding the per-server cache: the .active catalogue snapshot, one header cache database per group and one body cache directory per group."`
	NewsrcPath string `sconf-doc:"Path of the newsrc file recording subscriptions and read article ranges. Shared with other news readers, guarded by an advisory lock."`

	Context          int  `sconf:"optional" sconf-doc:"Number of most recent articles to load per group. 0 loads the full group."`
	PollInterval     int  `sconf:"optional" sconf-doc:"Minimum seconds between polls of an open group. Default 60."`
	LoadDescriptions bool `sconf:"optional" sconf-doc:"Fetch group descriptions with LIST NEWSGROUPS or XGTITLE when listing groups."`
	ShowNewNews      bool `sconf:"optional" sconf-doc:"When checking for new groups, also poll each subscribed group for new articles."`
	SaveUnsubscribed bool `sconf:"optional" sconf-doc:"Keep newsrc entries and caches for groups after unsubscribing."`
	MarkOld          bool `sconf:"optional" sconf-doc:"Mark unread articles at or below the last cached article as old."`
}

func (c Config) tlsMode() (nntpclient.TLSMode, error) {
	switch c.TLS {
	case "immediate":
		return nntpclient.TLSImmediate, nil
	case "requiredstarttls":
		return nntpclient.TLSRequiredStartTLS, nil
	case "", "opportunistic":
		return nntpclient.TLSOpportunistic, nil
	case "skip":
		return nntpclient.TLSSkip, nil
	}
	return "", fmt.Errorf("unknown tls mode %q", c.TLS)
}

// hostPort returns the host for TLS verification and the dial address with
// the default port filled in.
func (c Config) hostPort() (host, addr string, rerr error) {
	host, port, err := net.SplitHostPort(c.Address)
	if err != nil {
		host = c.Address
		port = strconv.Itoa(nntp.Port)
		if c.TLS == "immediate" {
			port = strconv.Itoa(nntp.TLSPort)
		}
	}
	if host == "" {
		return "", "", fmt.Errorf("empty host in address %q", c.Address)
	}
	return host, net.JoinHostPort(host, port), nil
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.PollInterval) * time.Second
}

// serverDir returns the cache directory for this server, a subdirectory of
// CacheDir named after the server URL so several servers can share one cache
// root.
func (c Config) serverDir() string {
	scheme := "news"
	if c.TLS == "immediate" {
		scheme = "snews"
	}
	u := scheme + "://"
	if c.User != "" {
		u += c.User + "@"
	}
	u += c.Address
	return filepath.Join(c.CacheDir, url.PathEscape(u))
}
