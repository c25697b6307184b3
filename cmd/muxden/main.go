// Package main is the muxden command line front-end. Every subcommand is a
// thin wrapper over an engine façade call.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/muxden/muxden/internal/common/config"
	apperrors "github.com/muxden/muxden/internal/common/errors"
	"github.com/muxden/muxden/internal/common/logger"
	"github.com/muxden/muxden/internal/common/tracing"
	"github.com/muxden/muxden/internal/engine"
	"github.com/muxden/muxden/internal/provider"
	"github.com/muxden/muxden/internal/provider/backends"
	"github.com/muxden/muxden/pkg/agentstore"
)

var jsonOutput bool

func main() {
	root := &cobra.Command{
		Use:           "muxden",
		Short:         "Manage AI coding agents in tmux sessions across hosts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON instead of tables")

	root.AddCommand(
		listCmd(),
		createCmd(),
		startCmd(),
		stopCmd(),
		destroyCmd(),
		renameCmd(),
		messageCmd(),
		execCmd(),
		attachCmd(),
		transcriptCmd(),
		openCmd(),
		pairCmd(),
		enforceCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "muxden: %v\n", err)
		if apperrors.KindOf(err) == apperrors.KindInternal {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// withEngine loads configuration, builds the engine, and tears everything
// down after fn returns. SIGINT cancels the context and the engine's
// concurrency group.
func withEngine(fn func(ctx context.Context, e *engine.Engine) error) error {
	log := logger.Default()
	cfg, err := config.Load(log)
	if err != nil {
		return err
	}
	log, err = logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()
	logger.SetDefault(log)

	backends.RegisterAll(cfg.EnabledBackends)

	e := engine.New(cfg, log)
	defer e.Close()
	defer tracing.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		e.Group().ShutdownEvent().Set()
	}()

	return fn(ctx, e)
}

func emit(v any, human func()) {
	if jsonOutput {
		raw, err := json.MarshalIndent(v, "", "  ")
		if err == nil {
			fmt.Println(string(raw))
		}
		return
	}
	human()
}

func parseLabels(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	labels := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, apperrors.UserInput("label %q is not key=value", p)
		}
		labels[k] = v
	}
	return labels, nil
}

func listCmd() *cobra.Command {
	var providerName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents across all providers",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				result, err := e.List(ctx, engine.ListOptions{Provider: providerName})
				if err != nil {
					return err
				}
				refreshCompletionCache(result.Agents)
				emit(result, func() {
					w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
					fmt.Fprintln(w, "NAME\tSTATE\tTYPE\tPROVIDER\tHOST\tID")
					for _, a := range result.Agents {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
							a.Name, a.State, a.Type, a.Provider, a.HostName, a.ID)
					}
					w.Flush()
					for _, msg := range result.Errors {
						fmt.Fprintf(os.Stderr, "warning: %s\n", msg)
					}
				})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "", "restrict to one provider instance")
	return cmd
}

func refreshCompletionCache(agents []engine.AgentInfo) {
	entries := make([]agentstore.CompletionEntry, 0, len(agents))
	for _, a := range agents {
		entries = append(entries, agentstore.CompletionEntry{
			Name:     a.Name,
			ID:       a.ID,
			Provider: a.Provider,
			HostName: a.HostName,
			HostID:   a.HostID,
		})
	}
	_ = agentstore.WriteCompletionCache(agentstore.DefaultCompletionCachePath(), entries)
}

func createCmd() *cobra.Command {
	var (
		source, mode, branch      string
		providerName, hostRef     string
		newHostName, newHostImage string
		name, agentType, command  string
		message                   string
		labels, env               []string
		startOnBoot, awaitReady   bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent and start its session",
		RunE: func(_ *cobra.Command, _ []string) error {
			labelMap, err := parseLabels(labels)
			if err != nil {
				return err
			}
			envMap, err := parseLabels(env)
			if err != nil {
				return err
			}
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				target := engine.TargetSpec{Provider: providerName, Host: hostRef}
				if newHostName != "" {
					target.NewHost = &provider.CreateHostRequest{
						Name:  newHostName,
						Image: newHostImage,
					}
				}
				result, err := e.Create(ctx,
					engine.SourceSpec{Path: source, Mode: engine.SourceMode(mode), Branch: branch},
					target,
					engine.CreateOptions{
						Name:        name,
						Type:        agentType,
						Command:     command,
						Message:     message,
						Labels:      labelMap,
						StartOnBoot: startOnBoot,
						AwaitReady:  awaitReady,
						Env:         envMap,
					})
				if err != nil {
					return err
				}
				emit(result, func() {
					fmt.Printf("created agent %s (%s) on host %s\n",
						result.Agent.Name, result.Agent.ID, result.Host.Name)
				})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source directory for the work dir")
	cmd.Flags().StringVar(&mode, "mode", "in-place", "source mode: in-place, copy, worktree")
	cmd.Flags().StringVar(&branch, "branch", "", "branch for worktree mode")
	cmd.Flags().StringVar(&providerName, "provider", "local", "provider instance")
	cmd.Flags().StringVar(&hostRef, "host", "", "existing host name or id")
	cmd.Flags().StringVar(&newHostName, "new-host", "", "provision a new host with this name")
	cmd.Flags().StringVar(&newHostImage, "image", "", "image for the new host")
	cmd.Flags().StringVar(&name, "name", "", "agent name (required)")
	cmd.Flags().StringVar(&agentType, "type", "", "agent type from config")
	cmd.Flags().StringVar(&command, "command", "", "override the agent command")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message to send once ready")
	cmd.Flags().StringArrayVar(&labels, "label", nil, "label key=value (repeatable)")
	cmd.Flags().StringArrayVar(&env, "env", nil, "session env key=value (repeatable)")
	cmd.Flags().BoolVar(&startOnBoot, "start-on-boot", false, "restart with the host")
	cmd.Flags().BoolVar(&awaitReady, "await-ready", false, "wait for the readiness marker")
	return cmd
}

func startCmd() *cobra.Command {
	var resume string
	cmd := &cobra.Command{
		Use:   "start <agent>",
		Short: "Start a stopped agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				result, err := e.Start(ctx, args[0], resume)
				if err != nil {
					return err
				}
				emitLifecycle(result)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&resume, "message", "m", "", "resume message to send after start")
	return cmd
}

func emitLifecycle(result *engine.LifecycleResult) {
	emit(result, func() {
		fmt.Printf("%s: %s -> %s\n", result.Agent.Name, result.PreviousState, result.NewState)
	})
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <agent>",
		Short: "Stop an agent's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				result, err := e.Stop(ctx, args[0])
				if err != nil {
					return err
				}
				emitLifecycle(result)
				return nil
			})
		},
	}
}

func destroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <agent>",
		Short: "Stop an agent and delete its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				result, err := e.Destroy(ctx, args[0])
				if err != nil {
					return err
				}
				emitLifecycle(result)
				return nil
			})
		},
	}
}

func renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <agent> <new-name>",
		Short: "Rename an agent and its session",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				result, err := e.Rename(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				emit(result, func() {
					fmt.Printf("renamed to %s\n", result.Agent.Name)
				})
				return nil
			})
		},
	}
}

func messageCmd() *cobra.Command {
	var (
		content  string
		onError  string
		useStdin bool
	)
	cmd := &cobra.Command{
		Use:   "message <agent>...",
		Short: "Type a message into agent sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if useStdin {
				raw, err := readAllStdin()
				if err != nil {
					return err
				}
				content = raw
			}
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				result, err := e.Message(ctx, args, content, engine.OnError(onError))
				if result != nil {
					emit(result, func() {
						for _, name := range result.Successful {
							fmt.Printf("sent to %s\n", name)
						}
						for _, f := range result.Failed {
							fmt.Fprintf(os.Stderr, "failed %s: %s\n", f.Name, f.Err)
						}
					})
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&content, "message", "m", "", "message content")
	cmd.Flags().StringVar(&onError, "on-error", "abort", "abort, continue, or retry_until")
	cmd.Flags().BoolVar(&useStdin, "stdin", false, "read the message from stdin")
	return cmd
}

func readAllStdin() (string, error) {
	raw, err := os.ReadFile("/dev/stdin")
	if err != nil {
		return "", apperrors.Wrap(err, "reading message from stdin")
	}
	return strings.TrimRight(string(raw), "\n"), nil
}

func execCmd() *cobra.Command {
	var opts engine.ExecOptions
	cmd := &cobra.Command{
		Use:   "exec <agent> -- <command>...",
		Short: "Run a command in the agent's working directory",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				result, err := e.Exec(ctx, args[0], args[1:], opts)
				if err != nil {
					return err
				}
				fmt.Print(result.Stdout)
				fmt.Fprint(os.Stderr, result.Stderr)
				if !result.Success {
					os.Exit(result.ReturnCode)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.User, "user", "", "run as this user")
	cmd.Flags().StringVar(&opts.Dir, "cwd", "", "working directory (defaults to the agent's)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "command timeout")
	cmd.Flags().BoolVar(&opts.StartIfStopped, "start-if-stopped", false, "start the agent first if stopped")
	return cmd
}

func attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <agent>",
		Short: "Attach to a local agent's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				info, err := e.Attach(ctx, args[0])
				if err != nil {
					return err
				}
				attach := exec.CommandContext(ctx, info.Argv[0], info.Argv[1:]...)
				attach.Stdin = os.Stdin
				attach.Stdout = os.Stdout
				attach.Stderr = os.Stderr
				runErr := attach.Run()
				code := 0
				if exitErr, ok := runErr.(*exec.ExitError); ok {
					code = exitErr.ExitCode()
				} else if runErr != nil {
					return runErr
				}
				return e.HandleDetach(ctx, info.AgentID, code)
			})
		},
	}
}

func transcriptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transcript <agent>",
		Short: "Print the agent's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				result, err := e.Transcript(ctx, args[0])
				if err != nil {
					return err
				}
				emit(result, func() { fmt.Print(result.Content) })
				return nil
			})
		},
	}
}

func openCmd() *cobra.Command {
	var (
		urlType string
		wait    bool
		active  bool
	)
	cmd := &cobra.Command{
		Use:   "open <agent>",
		Short: "Resolve and register an agent's web service URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				result, err := e.Open(ctx, args[0], urlType, engine.OpenOptions{
					Wait:   wait,
					Active: active,
				})
				if err != nil {
					return err
				}
				emit(result, func() {
					fmt.Printf("%s\t%s\n", result.Server, result.URL)
				})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&urlType, "url-type", "", "server name to open")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until interrupted")
	cmd.Flags().BoolVar(&active, "active", false, "record activity while waiting")
	return cmd
}

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair <agent>",
		Short: "Issue a one-time browser login link",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				result, err := e.Pair(ctx, args[0])
				if err != nil {
					return err
				}
				emit(result, func() { fmt.Println(result.LoginURL) })
				return nil
			})
		},
	}
}

func enforceCmd() *cobra.Command {
	var (
		providers                []string
		checkIdle, checkTimeouts bool
		dryRun                   bool
		onError                  string
		timeouts                 config.EnforceConfig
	)
	cmd := &cobra.Command{
		Use:   "enforce",
		Short: "Sweep hosts for idle and stuck-transition violations",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withEngine(func(ctx context.Context, e *engine.Engine) error {
				result, err := e.Enforce(ctx, engine.EnforceOptions{
					Providers:     providers,
					CheckIdle:     checkIdle,
					CheckTimeouts: checkTimeouts,
					Timeouts:      timeouts,
					DryRun:        dryRun,
					ErrorBehavior: engine.OnError(onError),
				})
				if result != nil {
					emit(result, func() {
						fmt.Printf("hosts checked: %d, idle violations: %d, timeout violations: %d\n",
							result.HostsChecked, result.IdleViolations, result.TimeoutViolations)
						for _, a := range result.Actions {
							fmt.Printf("  %s/%s: %s (%s)\n", a.Provider, a.HostName, a.Action, a.Reason)
						}
						for _, msg := range result.Errors {
							fmt.Fprintf(os.Stderr, "warning: %s\n", msg)
						}
					})
				}
				return err
			})
		},
	}
	cmd.Flags().StringArrayVar(&providers, "provider", nil, "restrict to these providers (repeatable)")
	cmd.Flags().BoolVar(&checkIdle, "check-idle", true, "check host idle timeouts")
	cmd.Flags().BoolVar(&checkTimeouts, "check-timeouts", true, "check state-transition timeouts")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report actions without taking them")
	cmd.Flags().StringVar(&onError, "error-behavior", "continue", "abort or continue on provider errors")
	cmd.Flags().IntVar(&timeouts.BuildingTimeoutSeconds, "building-timeout-seconds", 0, "override building timeout")
	cmd.Flags().IntVar(&timeouts.StartingTimeoutSeconds, "starting-timeout-seconds", 0, "override starting timeout")
	cmd.Flags().IntVar(&timeouts.StoppingTimeoutSeconds, "stopping-timeout-seconds", 0, "override stopping timeout")
	cmd.Flags().IntVar(&timeouts.IdleTimeoutSeconds, "idle-timeout-seconds", 0, "override idle timeout")
	return cmd
}
