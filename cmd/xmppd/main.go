// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The xmppd command runs the component router daemon.
//
// It listens for XEP-0114 external component connections, routes stanzas
// between bound components, answers service discovery and ad-hoc command
// queries for the server domain, and mirrors stanza traffic to audit
// subscribers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"mellium.im/xmppd/cluster"
	"mellium.im/xmppd/cluster/redisdir"
	"mellium.im/xmppd/commands"
	"mellium.im/xmppd/component"
	"mellium.im/xmppd/config"
	"mellium.im/xmppd/disco"
	"mellium.im/xmppd/intercept"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/server"
	"mellium.im/xmppd/storage"
	"mellium.im/xmppd/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "xmppd.yml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "xmppd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	domain, err := jid.Parse(cfg.Domain)
	if err != nil {
		return fmt.Errorf("bad domain %q: %w", cfg.Domain, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()

	locks, sets, err := clusterBackend(ctx, cfg)
	if err != nil {
		return err
	}

	table := router.NewTable()
	manager := component.NewManager(domain, table)
	manager.Logger = logger.With("component", "registry")

	dir := disco.NewDirectory(locks, sets, cluster.Static{ID: cfg.NodeID, Senior: true})
	discoHandler := disco.NewHandler(domain, cfg.ServerName, dir, manager)

	sessions := commands.NewSessionManager()
	sessions.Timeout = cfg.SessionTimeout
	sessions.MaxPerRequester = cfg.SessionCap
	sessions.Logger = logger.With("component", "commands")
	defer sessions.Stop()
	sessions.RegisterHandler(&listComponentsCommand{manager: manager, admins: store})

	chain := &intercept.Chain{Logger: logger.With("component", "intercept")}
	copier := intercept.NewCopier(domain, table, intercept.CopierOptions{
		Capacity: cfg.AuditCapacity,
		Interval: cfg.AuditInterval,
		Logger:   logger.With("component", "copier"),
	})
	defer copier.Stop()
	removeListener := manager.AddListener(copier.ComponentListener())
	defer removeListener()

	srv := server.New(domain, table, manager, chain, copier)
	srv.Logger = logger.With("component", "server")
	srv.RegisterIQHandler(ns.DiscoInfo, discoHandler)
	srv.RegisterIQHandler(ns.DiscoItems, discoHandler)
	srv.RegisterIQHandler(ns.Commands, sessions)

	acceptor := &component.Acceptor{
		Manager:       manager,
		Config:        store,
		DefaultSecret: cfg.ComponentSecret,
		Deliver:       router.HandlerFunc(srv.Handle),
		Limiter:       rate.NewLimiter(rate.Every(time.Second), 10),
		Logger:        logger.With("component", "acceptor"),
	}

	ln, err := net.Listen("tcp", cfg.ComponentListen)
	if err != nil {
		return err
	}
	logger.Info("listening for components", "addr", ln.Addr().String(), "domain", cfg.Domain)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			logger.Error("accept failed", "err", err)
			continue
		}
		go func() {
			comp, err := acceptor.Accept(ctx, conn)
			if err != nil {
				logger.Info("component handshake failed",
					"remote", conn.RemoteAddr().String(), "err", err)
				return
			}
			logger.Info("component bound", "subdomain", comp.Subdomain())
		}()
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return manager.Shutdown(shutdownCtx)
}

// clusterBackend picks the discovery coordination backend: redis when an
// address is configured, otherwise in-process memory suitable for a single
// node.
func clusterBackend(ctx context.Context, cfg config.Config) (cluster.LockManager, cluster.SetStore, error) {
	if cfg.RedisAddr == "" {
		return cluster.NewShardedLocks(0), cluster.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	d, err := redisdir.New(ctx, client, redisdir.Options{Prefix: "xmppd:disco:"})
	if err != nil {
		return nil, nil, err
	}
	return d, d, nil
}

// listComponentsCommand is the built-in "list registered components" ad-hoc
// command. It completes in a single stage and is restricted to server
// administrators.
type listComponentsCommand struct {
	manager *component.Manager
	admins  storage.AdminRepo
}

var _ commands.Handler = (*listComponentsCommand)(nil)

func (c *listComponentsCommand) Node() string { return "http://jabber.org/protocol/admin#get-registered-components" }
func (c *listComponentsCommand) Name() string { return "List registered components" }
func (c *listComponentsCommand) Stages() int  { return 0 }

func (c *listComponentsCommand) Allowed(requester jid.JID) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := c.admins.IsAdmin(ctx, requester)
	if err != nil {
		slog.Error("admin lookup failed", "requester", requester.String(), "err", err)
		return false
	}
	return ok
}

func (c *listComponentsCommand) Stage(*commands.Session) (commands.Form, commands.Actions, error) {
	return commands.Form{}, 0, nil
}

func (c *listComponentsCommand) Complete(sess *commands.Session) error {
	subs := c.manager.Subdomains()
	if len(subs) == 0 {
		sess.AddNote(commands.Note{Type: commands.NoteInfo, Value: "no components are registered"})
		return nil
	}
	sess.AddNote(commands.Note{
		Type:  commands.NoteInfo,
		Value: "registered: " + strings.Join(subs, ", "),
	})
	return nil
}
