package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/rpc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type env struct {
	client  *rpc.Client
	cfg     *config.Config
	userID  string
	jsonOut bool
	logger  *zap.Logger
}

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	userFlag := flag.String("user", "", "user id (overrides config user_id)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	verboseFlag := flag.Bool("verbose", false, "log engine activity to stderr")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		fatalf("load config: %v", err)
	}
	userID := *userFlag
	if userID == "" {
		userID = cfg.UserID
	}

	level := zapcore.WarnLevel
	if *verboseFlag {
		level = zapcore.DebugLevel
	}
	logger := logging.Stderr(level)
	defer func() { _ = logger.Sync() }()

	if err := checkDaemon(name, profile.Dir(name), profile.SocketPath(name)); err != nil {
		fatalf("%v", err)
	}
	c, err := rpc.Dial(profile.SocketPath(name))
	if err != nil {
		fatalf("cannot connect to daemon for profile %q: %v", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := &env{client: c, cfg: cfg, userID: userID, jsonOut: *jsonFlag, logger: logger}

	switch args[0] {
	case "create":
		if len(args) < 4 {
			fatalf("usage: chatsyncctl create <conversation> <title> <member>...")
		}
		err = cmdCreate(ctx, e, args[1], args[2], args[3:])
	case "members":
		if len(args) < 3 {
			fatalf("usage: chatsyncctl members <conversation> <member>...")
		}
		err = cmdMembers(ctx, e, args[1], args[2:])
	case "send":
		fs := flag.NewFlagSet("send", flag.ExitOnError)
		mediaPath := fs.String("media", "", "attach a file")
		_ = fs.Parse(args[1:])
		if fs.NArg() < 1 || (fs.NArg() < 2 && *mediaPath == "") {
			fatalf("usage: chatsyncctl send [--media <file>] <conversation> <text>")
		}
		text := ""
		if fs.NArg() >= 2 {
			text = fs.Arg(1)
		}
		err = cmdSend(ctx, e, fs.Arg(0), text, *mediaPath)
	case "tail":
		if len(args) < 2 {
			fatalf("usage: chatsyncctl tail <conversation>")
		}
		err = cmdTail(ctx, e, args[1])
	case "history":
		fs := flag.NewFlagSet("history", flag.ExitOnError)
		pages := fs.Int("pages", 1, "older pages to load after the live window")
		_ = fs.Parse(args[1:])
		if fs.NArg() < 1 {
			fatalf("usage: chatsyncctl history [--pages n] <conversation>")
		}
		err = cmdHistory(ctx, e, fs.Arg(0), *pages)
	case "alerts":
		err = cmdAlerts(ctx, e)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fatalf("%v", err)
	}
}

// checkDaemon explains a missing socket before the lazy gRPC dial turns it
// into an opaque unavailable error on the first call.
func checkDaemon(name, dir, socketPath string) error {
	if _, err := os.Stat(socketPath); err == nil {
		return nil
	}
	if pid := lock.Holder(dir); pid > 0 {
		return fmt.Errorf("daemon for profile %q (pid %d) has no socket at %s", name, pid, socketPath)
	}
	return fmt.Errorf("daemon not running for profile %q (start it with: chatsyncd --profile %s)", name, name)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--profile <name>] [--user <id>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  create <conv> <title> <member>...   Create a conversation")
	fmt.Fprintln(os.Stderr, "  members <conv> <member>...          Replace the member set")
	fmt.Fprintln(os.Stderr, "  send [--media f] <conv> <text>      Send and wait for delivery")
	fmt.Fprintln(os.Stderr, "  tail <conv>                         Follow a conversation")
	fmt.Fprintln(os.Stderr, "  history [--pages n] <conv>          Print older messages")
	fmt.Fprintln(os.Stderr, "  alerts                              Print new-message alerts")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
