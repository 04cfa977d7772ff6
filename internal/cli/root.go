package cli

import (
	"fmt"

	"jobsync/internal/version"
)

func Run(args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return nil
	}

	switch args[0] {
	case "watch":
		return runWatch(args[1:])
	case "jobs":
		return runJobs(args[1:])
	case "submit":
		return runSubmit(args[1:])
	case "cancel":
		return runCancel(args[1:])
	case "retry":
		return runRetry(args[1:])
	case "delete":
		return runDelete(args[1:])
	case "login":
		return runLogin(args[1:])
	case "devserver":
		return runDevserver(args[1:])
	case "version", "--version":
		fmt.Fprintln(stdout, "jobsync", version.Value)
		return nil
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Fprintln(stdout, "jobsync: live view and control of background processing jobs")
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Quick Start:")
	fmt.Fprintln(stdout, "  jobsync devserver &")
	fmt.Fprintln(stdout, "  jobsync submit --url <url>")
	fmt.Fprintln(stdout, "  jobsync watch")
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Commands:")
	fmt.Fprintln(stdout, "  watch      interactive job panel (push + polling)")
	fmt.Fprintln(stdout, "  jobs       list jobs once")
	fmt.Fprintln(stdout, "  submit     start a podcast or video note job")
	fmt.Fprintln(stdout, "  cancel     cancel a running job")
	fmt.Fprintln(stdout, "  retry      rerun a failed or cancelled job")
	fmt.Fprintln(stdout, "  delete     delete a finished job")
	fmt.Fprintln(stdout, "  login      QR code login for a platform")
	fmt.Fprintln(stdout, "  devserver  run a local simulated backend")
	fmt.Fprintln(stdout, "  version    print the version")
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Notes:")
	fmt.Fprintln(stdout, "  - Settings come from JOBSYNC_* environment variables or a .env file")
	fmt.Fprintln(stdout, "  - Use --api <url> to point a command at another backend")
	fmt.Fprintln(stdout, "  - Use --json on non-interactive commands for machine-readable output")
}
