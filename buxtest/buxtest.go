// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package buxtest provides support code for testing Buxtehude Servers and
// Clients: a TCP/UNIX rig that starts a Server with both listeners on
// ephemeral addresses, plus constructors for the three Client connection
// types, all wired for automatic cleanup via testing.T.
package buxtest

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/creachadair-labs/buxtehude"
	"github.com/creachadair-labs/buxtehude/client"
	"github.com/creachadair-labs/buxtehude/server"
)

// Rig is a Server listening on ephemeral UNIX and TCP addresses, ready for
// Clients to attach to in any of the three connection modes.
type Rig struct {
	T      *testing.T
	Server *server.Server

	unixPath string
	tcpPort  int
}

// NewRig starts a Server with a UNIX listener (under t.TempDir()) and a TCP
// listener on an OS-assigned port, registering cleanup with t.
func NewRig(t *testing.T) *Rig {
	t.Helper()
	srv := server.New()

	unixPath := filepath.Join(t.TempDir(), "bux.sock")
	if err := srv.UnixListen(unixPath); err != nil {
		t.Fatalf("buxtest: UnixListen: %v", err)
	}
	if err := srv.IPListen(0); err != nil {
		t.Fatalf("buxtest: IPListen: %v", err)
	}

	r := &Rig{T: t, Server: srv, unixPath: unixPath}
	if tcpAddr, ok := srv.IPAddr().(*net.TCPAddr); ok {
		r.tcpPort = tcpAddr.Port
	}
	t.Cleanup(func() { srv.Close() })
	return r
}

// TCPPort reports the OS-assigned port the Rig's Server is listening on.
func (r *Rig) TCPPort() int { return r.tcpPort }

// UnixPath reports the UNIX-domain socket path the Rig's Server is
// listening on.
func (r *Rig) UnixPath() string { return r.unixPath }

// NewIPClient returns a Client TCP-connected to the Rig's Server under the
// given team name and format, registering cleanup with the Rig's T.
func (r *Rig) NewIPClient(team string, format buxtehude.Format) *client.Client {
	r.T.Helper()
	c := client.New()
	prefs := buxtehude.ClientPreferences{TeamName: team, Format: format}
	if err := c.IPConnect("127.0.0.1", r.tcpPort, prefs); err != nil {
		r.T.Fatalf("buxtest: IPConnect(%s): %v", team, err)
	}
	r.T.Cleanup(func() { c.Close() })
	return c
}

// NewUnixClient returns a Client UNIX-connected to the Rig's Server under
// the given team name and format, registering cleanup with the Rig's T.
func (r *Rig) NewUnixClient(team string, format buxtehude.Format) *client.Client {
	r.T.Helper()
	c := client.New()
	prefs := buxtehude.ClientPreferences{TeamName: team, Format: format}
	if err := c.UnixConnect(r.unixPath, prefs); err != nil {
		r.T.Fatalf("buxtest: UnixConnect(%s): %v", team, err)
	}
	r.T.Cleanup(func() { c.Close() })
	return c
}

// NewInternalClient returns a Client internal-connected to the Rig's
// Server under the given team name, registering cleanup with the Rig's T.
func (r *Rig) NewInternalClient(team string) *client.Client {
	r.T.Helper()
	c := client.New()
	prefs := buxtehude.ClientPreferences{TeamName: team, Format: buxtehude.FormatJSON}
	if err := c.InternalConnect(r.Server, prefs); err != nil {
		r.T.Fatalf("buxtest: InternalConnect(%s): %v", team, err)
	}
	r.T.Cleanup(func() { c.Close() })
	return c
}

// AwaitType blocks (up to timeout) for a single message of msgType to
// arrive on c, returning it. It installs a handler for msgType that stays
// in place after AwaitType returns (later messages of that type are
// discarded), so it must not be used for a type the test also registers a
// permanent handler for.
func AwaitType(t *testing.T, c *client.Client, msgType string, timeout time.Duration) *buxtehude.Message {
	t.Helper()
	got := make(chan *buxtehude.Message, 1)
	c.Handle(msgType, func(_ *client.Client, msg *buxtehude.Message) {
		select {
		case got <- msg:
		default:
		}
	})
	select {
	case msg := <-got:
		return msg
	case <-time.After(timeout):
		t.Fatalf("buxtest: timed out waiting for message of type %q", msgType)
		return nil
	}
}
