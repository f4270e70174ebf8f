// Command sphynx-client connects to a Sphynx server and relays stdin lines
// as reliable-ordered messages, printing whatever comes back.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/spf13/pflag"

	"github.com/sphynx-net/sphynx/pkg/sphynx"
	"github.com/sphynx-net/sphynx/pkg/sphynx/conn"
	"github.com/sphynx-net/sphynx/pkg/sphynx/kex"
	"github.com/sphynx-net/sphynx/pkg/sphynx/transport"
)

var opt struct {
	Help      bool
	Server    string
	ServerPub string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVar(&opt.Server, "server", "", "Server address (host:port)")
	pflag.StringVar(&opt.ServerPub, "server-pub", "", "Path to the server's .pub key file")
}

type stdoutHandler struct{ sphynx.NoopClientHandler }

func (stdoutHandler) OnMessage(msg transport.Received) {
	fmt.Printf("< %s\n", msg.Payload)
}

func (stdoutHandler) OnDisconnect(conn.DisconnectReason) {
	fmt.Fprintln(os.Stderr, "disconnected")
	os.Exit(0)
}

func main() {
	pflag.Parse()

	if opt.Help || opt.Server == "" || opt.ServerPub == "" {
		fmt.Printf("usage: %s --server host:port --server-pub path/to/server.pub [env_file]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	server, err := netip.ParseAddrPort(opt.Server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse --server: %v\n", err)
		os.Exit(1)
	}

	pubBytes, err := os.ReadFile(opt.ServerPub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: read --server-pub: %v\n", err)
		os.Exit(1)
	}
	if len(pubBytes) != kex.PointSize {
		fmt.Fprintf(os.Stderr, "error: --server-pub must be %d bytes, got %d\n", kex.PointSize, len(pubBytes))
		os.Exit(1)
	}
	var serverPub [kex.PointSize]byte
	copy(serverPub[:], pubBytes)

	var e []string
	if pflag.NArg() == 1 {
		x, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	} else {
		e = os.Environ()
	}

	var c sphynx.Config
	if err := c.UnmarshalEnv(e); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl, err := sphynx.Connect(ctx, &c, server, serverPub, stdoutHandler{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: connect: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	go cl.Run(ctx)

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if err := cl.SendReliable(1, sc.Bytes()); err != nil {
			fmt.Fprintf(os.Stderr, "error: send: %v\n", err)
		}
	}
	cl.Disconnect()
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
