package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/marektomas-cz/script-executor/pkg/audit"
	"github.com/marektomas-cz/script-executor/pkg/config"
	"github.com/marektomas-cz/script-executor/pkg/contracts"
	"github.com/marektomas-cz/script-executor/pkg/killswitch"
	"github.com/marektomas-cz/script-executor/pkg/metrics"
	"github.com/marektomas-cz/script-executor/pkg/secrets"
	"github.com/marektomas-cz/script-executor/pkg/store"
	"github.com/marektomas-cz/script-executor/pkg/validator"
)

// exitFor maps a command error to the process exit code and prints it.
func exitFor(err error, stderr io.Writer) int {
	fmt.Fprintln(stderr, err)
	return contracts.ExitCode(err)
}

// runValidate statically checks a script file without touching any
// backend. The master key is not required here.
func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "script file to validate, \"-\" for stdin")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		fmt.Fprintln(stderr, "validate: -file is required")
		fs.Usage()
		return 2
	}

	var (
		src []byte
		err error
	)
	if *file == "-" {
		src, err = io.ReadAll(os.Stdin)
	} else {
		src, err = os.ReadFile(*file)
	}
	if err != nil {
		fmt.Fprintf(stderr, "validate: %v\n", err)
		return 70
	}

	cfg, err := config.Load()
	if err != nil {
		if !errors.Is(err, config.ErrMasterKeyMissing) {
			fmt.Fprintln(stderr, err)
			return 2
		}
		cfg = config.Default()
	}

	res := validator.New(cfg.Validator).Validate(string(src))
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Fprintln(stdout, string(out))
	if !res.OK {
		return 2
	}
	return 0
}

// runExecute runs one script end to end through a locally built stack and
// prints the closed execution log.
func runExecute(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("execute", flag.ContinueOnError)
	fs.SetOutput(stderr)
	scriptID := fs.String("script", "", "script id")
	ctxJSON := fs.String("context", "{}", "execution context as a JSON object")
	trigger := fs.String("trigger", string(contracts.TriggerManual), "trigger tag")
	user := fs.String("user", "cli", "actor recorded on the execution")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *scriptID == "" {
		fmt.Fprintln(stderr, "execute: -script is required")
		return 2
	}

	var execCtx map[string]any
	if err := json.Unmarshal([]byte(*ctxJSON), &execCtx); err != nil {
		fmt.Fprintf(stderr, "execute: bad -context: %v\n", err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	ctx := context.Background()
	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "execute: %v\n", err)
		return 70
	}
	defer st.close()
	go st.dog.Run(ctx)

	script, err := st.catalog.GetScript(ctx, *scriptID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(stderr, "execute: unknown script %s\n", *scriptID)
			return 2
		}
		return exitFor(err, stderr)
	}

	principal := contracts.Principal{UserID: *user, TenantID: script.TenantID, Roles: []string{"admin"}}
	log, execErr := st.dispatcher.Execute(ctx, script, execCtx, contracts.Trigger(*trigger), principal)
	if log != nil {
		out, _ := json.MarshalIndent(log, "", "  ")
		fmt.Fprintln(stdout, string(out))
	}
	if execErr != nil {
		return exitFor(execErr, stderr)
	}
	return 0
}

// runKillSwitch manages the platform-wide execution freeze. State lives in
// the shared cache, so pointing SCRIPTEXEC_CACHE_URL at the deployment's
// redis is what makes this command act on the running broker.
func runKillSwitch(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: script-executor kill-switch <status|activate|deactivate> [flags]")
		return 2
	}
	sub := args[0]

	fs := flag.NewFlagSet("kill-switch "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	reason := fs.String("reason", "manual activation", "reason recorded with activation")
	by := fs.String("by", "cli", "actor recorded with deactivation")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	kv, err := openKV(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 70
	}
	defer kv.Close()

	logger := slog.New(slog.NewTextHandler(stderr, nil))
	ks := killswitch.New(kv, cfg.KillSwitch, metrics.New(), audit.NewLoggerWithWriter(stderr), logger)

	ctx := context.Background()
	switch sub {
	case "status":
		if ks.Active(ctx) {
			fmt.Fprintln(stdout, "kill-switch: active")
		} else {
			fmt.Fprintln(stdout, "kill-switch: inactive")
		}
		return 0
	case "activate":
		if err := ks.Activate(ctx, *reason); err != nil {
			return exitFor(err, stderr)
		}
		fmt.Fprintln(stdout, "kill-switch activated")
		return 0
	case "deactivate":
		if err := ks.Deactivate(ctx, *by); err != nil {
			return exitFor(err, stderr)
		}
		fmt.Fprintln(stdout, "kill-switch deactivated")
		return 0
	default:
		fmt.Fprintf(stderr, "kill-switch: unknown subcommand %q\n", sub)
		return 2
	}
}

// runSecrets manages a tenant's vault entries.
func runSecrets(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: script-executor secrets <list|put|rotate|cleanup> [flags]")
		return 2
	}
	sub := args[0]

	fs := flag.NewFlagSet("secrets "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenant := fs.String("tenant", "", "tenant id")
	key := fs.String("key", "", "secret key")
	value := fs.String("value", "", "secret value; empty reads SCRIPTEXEC_SECRET_VALUE")
	kind := fs.String("type", "generic", "secret type tag")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if *tenant == "" && sub != "cleanup" {
		fmt.Fprintln(stderr, "secrets: -tenant is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	ctx := context.Background()
	db, dialect, err := openDB(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 70
	}
	defer db.Close()

	secretKey, err := cfg.SubKey("secrets", 32)
	if err != nil {
		return exitFor(err, stderr)
	}
	vault, err := secrets.New(db, dialect, secretKey, audit.NewLoggerWithWriter(stderr))
	if err != nil {
		return exitFor(err, stderr)
	}
	if err := vault.Init(ctx); err != nil {
		return exitFor(err, stderr)
	}

	// Values on the command line leak into shell history; the env var
	// alternative exists for scripting.
	secretValue := func() string {
		if *value != "" {
			return *value
		}
		return os.Getenv("SCRIPTEXEC_SECRET_VALUE")
	}

	switch sub {
	case "list":
		entries, err := vault.List(ctx, *tenant)
		if err != nil {
			return exitFor(err, stderr)
		}
		for _, e := range entries {
			fmt.Fprintf(stdout, "%s\ttype=%s\trotations=%d\tactive=%v\n",
				e.Key, e.Type, e.RotationCount, e.Active)
		}
		return 0
	case "put":
		if *key == "" || secretValue() == "" {
			fmt.Fprintln(stderr, "secrets put: -key and a value are required")
			return 2
		}
		err := vault.Put(ctx, *tenant, *key, secretValue(), secrets.PutOptions{Type: *kind, Actor: "cli"})
		if err != nil {
			return exitFor(err, stderr)
		}
		fmt.Fprintf(stdout, "stored %s\n", *key)
		return 0
	case "rotate":
		if *key == "" {
			fmt.Fprintln(stderr, "secrets rotate: -key is required")
			return 2
		}
		// An empty value lets the vault generate one for the secret's type.
		if err := vault.Rotate(ctx, *tenant, *key, secretValue(), "cli"); err != nil {
			return exitFor(err, stderr)
		}
		fmt.Fprintf(stdout, "rotated %s\n", *key)
		return 0
	case "cleanup":
		n, err := vault.Cleanup(ctx)
		if err != nil {
			return exitFor(err, stderr)
		}
		fmt.Fprintf(stdout, "deactivated %d expired secrets\n", n)
		return 0
	default:
		fmt.Fprintf(stderr, "secrets: unknown subcommand %q\n", sub)
		return 2
	}
}

// runVersions drives the approval workflow from the operator's side.
func runVersions(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: script-executor versions <list|submit|approve|reject|rollback> [flags]")
		return 2
	}
	sub := args[0]

	fs := flag.NewFlagSet("versions "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	scriptID := fs.String("script", "", "script id")
	n := fs.Int("n", 0, "version number")
	to := fs.Int("to", 0, "version to roll back to")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if *scriptID == "" {
		fmt.Fprintln(stderr, "versions: -script is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	ctx := context.Background()
	db, dialect, err := openDB(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 70
	}
	defer db.Close()

	catalog, err := store.New(db, dialect)
	if err != nil {
		return exitFor(err, stderr)
	}
	if err := catalog.Init(ctx); err != nil {
		return exitFor(err, stderr)
	}

	switch sub {
	case "list":
		versions, err := catalog.ListVersions(ctx, *scriptID)
		if err != nil {
			return exitFor(err, stderr)
		}
		for _, v := range versions {
			fmt.Fprintf(stdout, "v%d\t%s\t%s\tby %s\n",
				v.Version, v.ApprovalStatus, v.Checksum, v.CreatedBy)
		}
		return 0
	case "submit", "approve", "reject":
		if *n <= 0 {
			fmt.Fprintf(stderr, "versions %s: -n is required\n", sub)
			return 2
		}
		var op func(context.Context, string, int) error
		switch sub {
		case "submit":
			op = catalog.SubmitVersion
		case "approve":
			op = catalog.ApproveVersion
		case "reject":
			op = catalog.RejectVersion
		}
		if err := op(ctx, *scriptID, *n); err != nil {
			return exitFor(err, stderr)
		}
		past := map[string]string{"submit": "submitted", "approve": "approved", "reject": "rejected"}
		fmt.Fprintf(stdout, "v%d %s\n", *n, past[sub])
		return 0
	case "rollback":
		if *to <= 0 {
			fmt.Fprintln(stderr, "versions rollback: -to is required")
			return 2
		}
		v, err := catalog.Rollback(ctx, *scriptID, *to, "cli")
		if err != nil {
			return exitFor(err, stderr)
		}
		fmt.Fprintf(stdout, "rolled back to v%d as new version v%d\n", *to, v.Version)
		return 0
	default:
		fmt.Fprintf(stderr, "versions: unknown subcommand %q\n", sub)
		return 2
	}
}

// runTenant registers tenants. Grants name the capability namespaces the
// tenant may delegate to its scripts.
func runTenant(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "create" {
		fmt.Fprintln(stderr, "usage: script-executor tenant create [flags]")
		return 2
	}

	fs := flag.NewFlagSet("tenant create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "tenant id")
	name := fs.String("name", "", "display name")
	grants := fs.String("grants", "", "comma-separated capability grants")
	rateLimit := fs.Int("rate-limit", 0, "executions per minute, 0 uses the platform default")
	quota := fs.Int("quota", 0, "executions per month, 0 uses the platform default")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if *id == "" || *name == "" {
		fmt.Fprintln(stderr, "tenant create: -id and -name are required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	ctx := context.Background()
	db, dialect, err := openDB(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 70
	}
	defer db.Close()

	catalog, err := store.New(db, dialect)
	if err != nil {
		return exitFor(err, stderr)
	}
	if err := catalog.Init(ctx); err != nil {
		return exitFor(err, stderr)
	}

	tenant := &contracts.Tenant{
		ID:        *id,
		Name:      *name,
		RateLimit: *rateLimit,
		APIQuota:  *quota,
		Active:    true,
	}
	if *grants != "" {
		for _, g := range strings.Split(*grants, ",") {
			tenant.Grants = append(tenant.Grants, strings.TrimSpace(g))
		}
	}
	if err := catalog.CreateTenant(ctx, tenant); err != nil {
		return exitFor(err, stderr)
	}
	fmt.Fprintf(stdout, "created tenant %s\n", tenant.ID)
	return 0
}
