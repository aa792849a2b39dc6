package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"fmt"
	"testing"
)

func TestPlain(t *testing.T) {
	a := NewClientPlain("mjl", "sesame")
	name, cleartext := a.Info()
	if name != "PLAIN" || !cleartext {
		t.Fatalf("info %q %v", name, cleartext)
	}
	toServer, last, err := a.Next(nil)
	if err != nil {
		t.Fatalf("next: %s", err)
	}
	if !last {
		t.Fatalf("plain is a single step")
	}
	if string(toServer) != "\x00mjl\x00sesame" {
		t.Fatalf("initial response %q", toServer)
	}
	if _, _, err := a.Next(nil); err == nil {
		t.Fatalf("expected error on extra step")
	}
}

func TestCRAMMD5(t *testing.T) {
	a := NewClientCRAMMD5("mjl", "sesame")
	name, cleartext := a.Info()
	if name != "CRAM-MD5" || cleartext {
		t.Fatalf("info %q %v", name, cleartext)
	}
	toServer, last, err := a.Next(nil)
	if err != nil {
		t.Fatalf("next: %s", err)
	}
	if toServer != nil || last {
		t.Fatalf("initial response %v, last %v", toServer, last)
	}

	challenge := "<123.1700000000@news.example>"
	toServer, last, err = a.Next([]byte(challenge))
	if err != nil {
		t.Fatalf("next: %s", err)
	}
	if !last {
		t.Fatalf("challenge response should be the last step")
	}
	mac := hmac.New(md5.New, []byte("sesame"))
	mac.Write([]byte(challenge))
	expect := fmt.Sprintf("mjl %x", mac.Sum(nil))
	if string(toServer) != expect {
		t.Fatalf("response %q, expected %q", toServer, expect)
	}
}

func TestCRAMMD5Challenge(t *testing.T) {
	// Malformed challenges abort the exchange.
	for _, challenge := range []string{
		"123.456@host", // Missing angle brackets.
		"<123456@host>", // No dot.
		"<123.456>",   // No at sign.
		"<123.@>",     // Empty timestamp.
	} {
		a := NewClientCRAMMD5("mjl", "sesame")
		if _, _, err := a.Next(nil); err != nil {
			t.Fatalf("first step: %s", err)
		}
		if _, _, err := a.Next([]byte(challenge)); err == nil {
			t.Fatalf("challenge %q accepted", challenge)
		}
	}
}

func TestCRAMMD5LongKey(t *testing.T) {
	// Passwords longer than the md5 block size are hashed first, per HMAC.
	password := ""
	for i := 0; i < 10; i++ {
		password += "0123456789"
	}
	challenge := "<123.1700000000@news.example>"
	a := NewClientCRAMMD5("mjl", password)
	if _, _, err := a.Next(nil); err != nil {
		t.Fatalf("first step: %s", err)
	}
	toServer, _, err := a.Next([]byte(challenge))
	if err != nil {
		t.Fatalf("next: %s", err)
	}
	mac := hmac.New(md5.New, []byte(password))
	mac.Write([]byte(challenge))
	expect := fmt.Sprintf("mjl %x", mac.Sum(nil))
	if string(toServer) != expect {
		t.Fatalf("response %q, expected %q", toServer, expect)
	}
}

func TestExternal(t *testing.T) {
	a := NewClientExternal("mjl")
	name, cleartext := a.Info()
	if name != "EXTERNAL" || cleartext {
		t.Fatalf("info %q %v", name, cleartext)
	}
	toServer, last, err := a.Next(nil)
	if err != nil {
		t.Fatalf("next: %s", err)
	}
	if !last || string(toServer) != "mjl" {
		t.Fatalf("initial response %q, last %v", toServer, last)
	}

	// An empty username is a valid empty initial response, not nil.
	a = NewClientExternal("")
	toServer, _, err = a.Next(nil)
	if err != nil {
		t.Fatalf("next: %s", err)
	}
	if toServer == nil || len(toServer) != 0 {
		t.Fatalf("initial response %v, expected empty non-nil", toServer)
	}
}
