// smtp-send is a one-shot command-line mail sender, for exercising or
// debugging a single SMTP exchange. It is not meant to replace a real
// mail submission pipeline.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"blitiri.com.ar/go/spf"

	"blitiri.com.ar/go/esmtp/client"
	"blitiri.com.ar/go/esmtp/request"
)

var (
	addr = flag.String("addr", "", "address of the SMTP server, host:port")

	user     = flag.String("user", "", "username to use in SMTP AUTH")
	password = flag.String("password", "", "password to use in SMTP AUTH")

	from = flag.String("from", "", "envelope-from address")

	implicitTLS = flag.Bool("tls", false,
		"connect with TLS from the start, instead of plaintext+STARTTLS")
	requireStartTLS = flag.Bool("require_starttls", false,
		"fail instead of falling back to plaintext if STARTTLS is not offered")
	serverCert = flag.String("server_cert", "",
		"path to a certificate to pin as the expected server identity")

	spfCheck = flag.Bool("spf_check", false,
		"look up the SPF record for the sending domain and warn if this host is not authorized")

	confPath = flag.String("c", "smtp-send.conf",
		"path to a flat \"flag value\" configuration file")
	batchPath = flag.String("batch", "",
		"path to a YAML file describing multiple messages to send in one run")

	timeout = flag.Duration("timeout", 30*time.Second, "overall timeout for the exchange")
)

func main() {
	flag.Parse()
	loadConfig()

	if *batchPath != "" {
		runBatch()
		return
	}

	rawMsg, err := io.ReadAll(os.Stdin)
	fatalIf(err)

	tos := flag.Args()
	if len(tos) == 0 {
		fatal(errors.New("at least one recipient is required"))
	}

	fatalIf(sendOne(message{
		Addr:     *addr,
		From:     orDefault(*from, *user),
		To:       tos,
		User:     *user,
		Password: *password,
		Body:     string(rawMsg),
	}))
}

// message describes one send, either from flags or one entry of a batch
// YAML file.
type message struct {
	Addr     string   `yaml:"addr"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	User     string   `yaml:"user"`
	Password string   `yaml:"password"`
	Body     string   `yaml:"body"`
}

type batchFile struct {
	Messages []message `yaml:"messages"`
}

func runBatch() {
	data, err := os.ReadFile(*batchPath)
	fatalIf(err)

	var bf batchFile
	fatalIf(yaml.Unmarshal(data, &bf))

	failures := 0
	for i, m := range bf.Messages {
		if err := sendOne(m); err != nil {
			fmt.Fprintf(os.Stderr, "message %d (%s): %v\n", i, m.Addr, err)
			failures++
		}
	}
	if failures > 0 {
		os.Exit(1)
	}
}

func sendOne(m message) error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	host, _, err := net.SplitHostPort(m.Addr)
	if err != nil {
		host = m.Addr
	}

	if *spfCheck && m.From != "" {
		checkSPF(host, m.From)
	}

	params := &client.Params{
		ID: request.Domain(localHostname()),
	}
	if m.User != "" {
		params.Auth = &client.Credentials{Username: m.User, Password: m.Password}
	}

	upgrader := client.DefaultUpgrader(tlsConfig(host))
	if *implicitTLS {
		params.Security = client.ImmediateTLS{Upgrader: upgrader, SNI: host}
	} else {
		params.Security = client.StartTLS{Upgrader: upgrader, SNI: host, Required: *requireStartTLS}
	}

	sess, err := client.Dial(ctx, m.Addr, params)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer sess.Close()

	to := make([]request.Mailbox, len(m.To))
	for i, addr := range m.To {
		to[i] = request.MailboxOf(addr)
	}

	return sess.Send(ctx, client.Envelope{
		From: request.MailboxOf(m.From),
		To:   to,
		Body: strings.NewReader(m.Body),
	})
}

func tlsConfig(host string) *tls.Config {
	cfg := &tls.Config{ServerName: host}
	if *serverCert == "" {
		return cfg
	}

	data, err := os.ReadFile(*serverCert)
	fatalIf(err)
	block, _ := pem.Decode(data)
	if block == nil {
		fatal(fmt.Errorf("%s: not a PEM file", *serverCert))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	fatalIf(err)

	roots := x509.NewCertPool()
	roots.AddCert(cert)
	cfg.RootCAs = roots
	if len(cert.DNSNames) > 0 {
		cfg.ServerName = cert.DNSNames[0]
	}
	return cfg
}

func checkSPF(host, from string) {
	idx := strings.LastIndexByte(from, '@')
	if idx < 0 {
		return
	}
	domain := from[idx+1:]

	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		fmt.Fprintf(os.Stderr, "spf: could not resolve %s: %v\n", host, err)
		return
	}

	result, err := spf.CheckHost(ips[0], domain)
	if result != spf.Pass {
		fmt.Fprintf(os.Stderr, "spf: %s is not an authorized sender for %s (%s: %v)\n",
			ips[0], domain, result, err)
	}
}

func localHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

// loadConfig reads *confPath, a flat "flag value" file, and applies any
// flag not already set explicitly on the command line.
func loadConfig() {
	data, err := os.ReadFile(*confPath)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	fatalIf(err)

	for _, line := range strings.Split(string(data), "\n") {
		k, v, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)

		isSet := false
		flag.Visit(func(f *flag.Flag) {
			if f.Name == k {
				isSet = true
			}
		})
		if !isSet {
			if f := flag.Lookup(k); f != nil {
				f.Value.Set(strings.TrimSpace(v))
			}
		}
	}
}

func fatalIf(err error) {
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
