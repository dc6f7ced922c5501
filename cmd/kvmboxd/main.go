package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"github.com/urfave/cli/v2"

	"github.com/kvmbox/kvmbox/internal/db"
	"github.com/kvmbox/kvmbox/internal/machine"
	"github.com/kvmbox/kvmbox/internal/sandbox"
	"github.com/kvmbox/kvmbox/internal/server"
	"github.com/kvmbox/kvmbox/internal/tenant"
)

const (
	defaultConfig  = "tenants.json"
	defaultTenant  = "test.com"
	defaultHost    = "127.0.0.1"
	defaultPort    = 8080
	artifactDBPath = "/var/lib/kvmbox/artifacts.db"
	// machineDriver is the registered KVM driver expected at runtime.
	machineDriver = "tinykvm"
)

func main() {
	app := &cli.App{
		Name:  "kvmboxd",
		Usage: "multi-tenant KVM compute sandbox",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "reservations", Aliases: []string{"r"}, Usage: "enable reservations"},
			&cli.IntFlag{Name: "concurrency", Aliases: []string{"c"}, Usage: "concurrent VMs per tenant"},
			&cli.StringFlag{Name: "config", Value: defaultConfig, Usage: "JSON configuration file"},
			&cli.StringFlag{Name: "default", Aliases: []string{"d"}, Value: defaultTenant, Usage: "default tenant"},
			&cli.BoolFlag{Name: "debug-boot", Usage: "start remote GDB at boot"},
			&cli.BoolFlag{Name: "debug-prefork", Usage: "start remote GDB just before forking VMs"},
			&cli.BoolFlag{Name: "ephemeral", Aliases: []string{"e"}, Value: true, Usage: "enable ephemeral VMs"},
			&cli.BoolFlag{Name: "no-ephemeral", Usage: "disable ephemeral VMs"},
			&cli.BoolFlag{Name: "double-buffered", Usage: "enable double-buffered VM resets"},
			&cli.BoolFlag{Name: "profiling", Aliases: []string{"p"}, Usage: "enable profiling"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable verbose output"},
			&cli.StringFlag{Name: "listen", Value: fmt.Sprintf("%s:%d", defaultHost, defaultPort), Usage: "bind address"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := slog.Default()

	settings := sandbox.Settings{
		Reservations:      c.Bool("reservations"),
		Ephemeral:         c.Bool("ephemeral") && !c.Bool("no-ephemeral"),
		DoubleBuffered:    c.Bool("double-buffered"),
		Profiling:         c.Bool("profiling"),
		Verbose:           c.Bool("verbose"),
		DebugBoot:         c.Bool("debug-boot"),
		DebugPrefork:      c.Bool("debug-prefork"),
		SelfRequestPrefix: "http://" + c.String("listen"),
	}
	if cwd, err := os.Getwd(); err == nil {
		settings.LibraryPath = filepath.Join(cwd, "program", "libdrogon.so")
	}

	factory, err := machine.Open(machineDriver)
	if err != nil {
		return err
	}

	rt := &sandbox.Runtime{
		Factory:  factory,
		Settings: settings,
		Logger:   logger,
	}

	if store, err := openArtifacts(); err == nil {
		rt.Artifacts = store
	} else {
		logger.Warn("artifact index unavailable", "error", err)
	}

	res, err := tenant.ParseFile(c.String("config"), tenant.Runtime{
		Ephemeral:      settings.Ephemeral,
		Concurrency:    c.Int("concurrency"),
		DoubleBuffered: settings.DoubleBuffered,
		Profiling:      settings.Profiling,
		Verbose:        settings.Verbose,
		DefaultTenant:  c.String("default"),
	})
	if err != nil {
		return err
	}

	tenants := sandbox.NewTenants(rt)
	tenants.Load(res, false)
	tenants.WaitForAll()

	if tenants.Find(res.DefaultTenant) == nil {
		return fmt.Errorf("default tenant %q not found", res.DefaultTenant)
	}

	logger.Info("starting",
		"reservations", settings.Reservations,
		"config", c.String("config"),
		"default_tenant", res.DefaultTenant,
		"ephemeral", settings.Ephemeral,
		"double_buffered", settings.DoubleBuffered,
		"concurrency", concurrencyInfo(c.Int("concurrency")),
	)

	srv := server.New(&server.TenantsBackend{Tenants: tenants},
		c.String("listen"), res.DefaultTenant, logger)
	logger.Info("server started", "listen", c.String("listen"))
	if err := http.ListenAndServe(c.String("listen"), srv); err != nil {
		return err
	}
	return tenants.Close()
}

func openArtifacts() (*db.Store, error) {
	if err := os.MkdirAll(filepath.Dir(artifactDBPath), 0o755); err != nil {
		return nil, err
	}
	conn, err := db.NewDB(artifactDBPath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(context.Background(), conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db.NewStore(conn), nil
}

func concurrencyInfo(n int) string {
	if n > 0 {
		return fmt.Sprintf("%d (override)", n)
	}
	return fmt.Sprintf("hardware specified (%d)", runtime.NumCPU())
}
