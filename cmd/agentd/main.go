// Command agentd runs the SSH authentication agent: two Unix-domain
// socket listeners, a dual-trust request handler, and an optional
// upstream-agent fallback captured from the environment at startup.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli"

	"krypt.co/agentd/internal/approval"
	"krypt.co/agentd/internal/handler"
	"krypt.co/agentd/internal/klog"
	"krypt.co/agentd/internal/knownhosts"
	"krypt.co/agentd/internal/protocol"
	"krypt.co/agentd/internal/server"
	"krypt.co/agentd/internal/upstream"
	"krypt.co/agentd/internal/vault"
)

func defaultSocketPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), name)
	}
	return filepath.Join(home, ".ssh", name)
}

func main() {
	app := cli.NewApp()
	app.Name = "agentd"
	app.Usage = "SSH agent with a dual-socket trust split and host-verified session binding"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "local-socket", Value: defaultSocketPath("agentd.local.sock"), Usage: "path for the auto-approve local socket"},
		cli.StringFlag{Name: "forwarded-socket", Value: defaultSocketPath("agentd.forwarded.sock"), Usage: "path for the approval-gated forwarded socket"},
		cli.StringFlag{Name: "known-hosts", Value: defaultSocketPath("known_hosts"), Usage: "path to an OpenSSH-compatible known_hosts file"},
		cli.StringFlag{Name: "key-dir", Usage: "directory of OpenSSH PEM private keys to load into the reference vault"},
		cli.StringFlag{Name: "upstream-env", Value: upstream.EnvVar, Usage: "environment variable naming a pre-existing agent socket to proxy to"},
		cli.StringFlag{Name: "log-level", Value: "INFO", Usage: "DEBUG, INFO, WARNING, ERROR, or CRITICAL"},
		cli.BoolFlag{Name: "syslog", Usage: "also log to syslog"},
		cli.BoolFlag{Name: "no-approval-prompt", Usage: "skip the interactive approval gate on the forwarded socket (testing only)"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger, err := klog.New(klog.Config{Module: "agentd", Level: c.String("log-level"), Syslog: c.Bool("syslog")})
	if err != nil {
		return err
	}

	localPath := c.String("local-socket")
	forwardedPath := c.String("forwarded-socket")

	var kv vault.KeyVault
	if dir := c.String("key-dir"); dir != "" {
		dirVault, err := vault.LoadDir(dir)
		if err != nil {
			return fmt.Errorf("agentd: loading key directory: %w", err)
		}
		kv = dirVault
		logger.Infof("loaded key vault from %s", dir)
	}

	var known *knownhosts.Store
	if path := c.String("known-hosts"); path != "" {
		if store, err := knownhosts.Load(path); err != nil {
			logger.Warningf("could not load known_hosts at %s: %v", path, err)
		} else {
			known = store
		}
	}

	proxy := upstream.CaptureFromEnviron(func(key string) (string, bool) {
		if key == upstream.EnvVar {
			key = c.String("upstream-env")
		}
		return os.LookupEnv(key)
	}, localPath, forwardedPath)
	if proxy != nil {
		logger.Info("upstream agent captured from environment")
	}

	var prompt approval.Prompt
	if !c.Bool("no-approval-prompt") {
		prompt = approval.NewConsole(os.Stdin, os.Stderr)
	}

	h := handler.New(handler.Config{
		Vault:    kv,
		Known:    known,
		Approve:  prompt,
		Upstream: proxy,
		Logger:   logger,
	})

	localServer, err := server.New(localPath, protocol.Local, h, logger)
	if err != nil {
		return fmt.Errorf("agentd: local socket: %w", err)
	}
	forwardedServer, err := server.New(forwardedPath, protocol.Forwarded, h, logger)
	if err != nil {
		localServer.Shutdown()
		return fmt.Errorf("agentd: forwarded socket: %w", err)
	}

	go localServer.Serve()
	go forwardedServer.Serve()
	logger.Infof("listening: local=%s forwarded=%s", localPath, forwardedPath)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	localServer.Shutdown()
	forwardedServer.Shutdown()
	localServer.Wait()
	forwardedServer.Wait()
	return nil
}
