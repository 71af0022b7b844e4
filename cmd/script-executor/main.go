package main

import (
	"fmt"
	"io"
	"os"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub the long-running path.
var startServer = runServe

// Run dispatches the subcommand. Exit codes: 0 success, 2 usage or
// validation, 3 policy denial, 4 execution failure, 70 internal or
// infrastructure failure.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stderr)
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "execute":
		return runExecute(args[2:], stdout, stderr)
	case "kill-switch", "killswitch":
		return runKillSwitch(args[2:], stdout, stderr)
	case "secrets":
		return runSecrets(args[2:], stdout, stderr)
	case "versions":
		return runVersions(args[2:], stdout, stderr)
	case "tenant":
		return runTenant(args[2:], stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "script-executor %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "script-executor %s\n\n", version)
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  script-executor <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "SERVER:")
	fmt.Fprintln(w, "  serve                      Run the broker (default)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "SCRIPTS:")
	fmt.Fprintln(w, "  validate -file <path>      Static-validate a script without executing it")
	fmt.Fprintln(w, "  execute -script <id>       Execute a script's latest approved version")
	fmt.Fprintln(w, "  versions <list|submit|approve|reject|rollback>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "OPERATIONS:")
	fmt.Fprintln(w, "  kill-switch <status|activate|deactivate>")
	fmt.Fprintln(w, "  secrets <list|put|rotate|cleanup>")
	fmt.Fprintln(w, "  tenant create              Register a tenant with capability grants")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  version                    Show version information")
	fmt.Fprintln(w, "  help                       Show this help")
}
