// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Program buxtehude is a command-line utility for running a Buxtehude
// Server and for sending or watching messages as a Client.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/creachadair-labs/buxtehude"
	"github.com/creachadair-labs/buxtehude/client"
	"github.com/creachadair-labs/buxtehude/server"
	"github.com/creachadair/command"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run a Buxtehude server, or send and watch messages as a client.",
		Commands: []*command.C{
			serveCommand(),
			sendCommand(),
			watchCommand(),
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func serveCommand() *command.C {
	var unixPath, ipAddr string
	var port int
	return &command.C{
		Name: "serve",
		Help: "Run a Buxtehude server until interrupted.",
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
			fs.StringVar(&unixPath, "unix", "", "UNIX-domain socket path to listen on")
			fs.StringVar(&ipAddr, "ip", "", "unused, reserved for a future bind address flag")
			fs.IntVar(&port, "port", buxtehude.DefaultPort, "TCP port to listen on (0 to disable)")
		},
		Run: func(env *command.Env) error {
			if unixPath == "" && port == 0 {
				return env.Usagef("at least one of -unix or -port must be set")
			}
			srv := server.New()
			if unixPath != "" {
				if err := srv.UnixListen(unixPath); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "listening on unix:%s\n", unixPath)
			}
			if port != 0 {
				if err := srv.IPListen(port); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "listening on tcp:%v\n", srv.IPAddr())
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return srv.Close()
		},
	}
}

func sendCommand() *command.C {
	var team, dest, msgType, content string
	var unixPath, host string
	var port int
	var onlyFirst bool
	return &command.C{
		Name:  "send",
		Usage: "-team <name> -dest <team> -type <type> [-content <json>]",
		Help:  "Connect as a client and send a single message.",
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
			fs.StringVar(&team, "team", "", "client team name")
			fs.StringVar(&dest, "dest", "", "destination team name, or $$all to broadcast")
			fs.StringVar(&msgType, "type", "", "message type")
			fs.StringVar(&content, "content", "", "message content, as a JSON literal")
			fs.BoolVar(&onlyFirst, "only-first", false, "route to a single available peer of dest")
			fs.StringVar(&unixPath, "unix", "", "connect over this UNIX-domain socket instead of TCP")
			fs.StringVar(&host, "host", "127.0.0.1", "server host, when connecting over TCP")
			fs.IntVar(&port, "port", buxtehude.DefaultPort, "server port, when connecting over TCP")
		},
		Run: func(env *command.Env) error {
			if team == "" || msgType == "" {
				return env.Usagef("-team and -type are required")
			}
			c, err := dialClient(team, unixPath, host, port)
			if err != nil {
				return err
			}
			defer c.Close()

			var decoded any
			if content != "" {
				if err := json.Unmarshal([]byte(content), &decoded); err != nil {
					return fmt.Errorf("invalid -content: %w", err)
				}
			}
			return c.Write(&buxtehude.Message{
				Type:      msgType,
				Dest:      dest,
				Content:   decoded,
				OnlyFirst: onlyFirst,
			})
		},
	}
}

func watchCommand() *command.C {
	var team, msgType string
	var unixPath, host string
	var port int
	return &command.C{
		Name:  "watch",
		Usage: "-team <name> [-type <type>]",
		Help:  "Connect as a client and print received messages of one type, or the $$handshake, $$disconnect and $$error control messages, as JSON, one per line.",
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
			fs.StringVar(&team, "team", "", "client team name")
			fs.StringVar(&msgType, "type", "", "print messages of this type (default: only $$handshake, $$disconnect and $$error)")
			fs.StringVar(&unixPath, "unix", "", "connect over this UNIX-domain socket instead of TCP")
			fs.StringVar(&host, "host", "127.0.0.1", "server host, when connecting over TCP")
			fs.IntVar(&port, "port", buxtehude.DefaultPort, "server port, when connecting over TCP")
		},
		Run: func(env *command.Env) error {
			if team == "" {
				return env.Usagef("-team is required")
			}
			c, err := dialClient(team, unixPath, host, port)
			if err != nil {
				return err
			}
			defer c.Close()

			enc := json.NewEncoder(os.Stdout)
			print := func(_ *client.Client, msg *buxtehude.Message) { enc.Encode(msg) }
			if msgType == "" {
				for _, t := range []string{buxtehude.TypeHandshake, buxtehude.TypeDisconnect, buxtehude.TypeError} {
					c.Handle(t, print)
				}
			} else {
				c.Handle(msgType, print)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return nil
		},
	}
}

func dialClient(team, unixPath, host string, port int) (*client.Client, error) {
	c := client.New()
	prefs := buxtehude.ClientPreferences{TeamName: team, Format: buxtehude.FormatJSON}
	if unixPath != "" {
		if err := c.UnixConnect(unixPath, prefs); err != nil {
			return nil, err
		}
		return c, nil
	}
	if err := c.IPConnect(host, port, prefs); err != nil {
		return nil, err
	}
	return c, nil
}
