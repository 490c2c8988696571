// Command immogestctl drives the immogest API from the command line through the
// cached client.
//
//	immogestctl [flags] <resource> list [--page N] [--per-page N] [-q text] [--watch]
//	immogestctl [flags] <resource> get|delete <id>
//	immogestctl [flags] <resource> create [--data JSON]
//	immogestctl [flags] <resource> update <id> [--data JSON]
//	immogestctl [flags] ged upload [--name N] [--category C] <file>
//	immogestctl [flags] ged attach|detach <id> <type> <target-id>
//
// Bodies are read from stdin when --data is omitted.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/l0p7/immogest/internal/client"
	"github.com/l0p7/immogest/internal/client/api"
	"github.com/l0p7/immogest/internal/client/cache"
	"github.com/l0p7/immogest/internal/config"
	"github.com/l0p7/immogest/internal/logging"
)

const (
	exitOK = iota
	exitFailure
	exitUsage
	exitValidation
	exitNotFound
	exitAuthorization
	exitNetwork
)

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configFile string
	envPrefix  string
	baseURL    string
	token      string
}

// session is one CLI invocation's wiring, built by the root pre-run hook.
type session struct {
	api    *api.API
	cache  *cache.Cache
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var s *session
	root := newRootCmd(&s)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if s != nil {
		s.cache.Close()
	}
	if err != nil {
		return report(stderr, err)
	}
	return exitOK
}

func newRootCmd(out **session) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "immogestctl <resource> <action>",
		Short:         "Manage immogest records through the cached API client",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usagef("unknown resource %q", args[0])
			}
			return nil
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			return usagef("immogestctl <resource> <action> [args]")
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			*out = s
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usagef("%v", err)
	})

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "path to configuration file")
	flags.StringVar(&opts.envPrefix, "env-prefix", "IMMOGEST", "environment variable prefix")
	flags.StringVar(&opts.baseURL, "base-url", "", "API base URL (overrides client.baseURL)")
	flags.StringVar(&opts.token, "token", "", "bearer token (overrides client.token)")

	current := func() *session { return *out }
	for _, name := range resourceNames {
		root.AddCommand(resourceCmd(name, current))
	}
	root.AddCommand(documentsCmd(current))
	return root
}

func openSession(cmd *cobra.Command, opts *globalOptions) (*session, error) {
	ctx := cmd.Context()
	cfg, err := config.NewLoader(opts.envPrefix, opts.configFile).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if opts.baseURL != "" {
		cfg.Client.BaseURL = opts.baseURL
	}
	if opts.token != "" {
		cfg.Client.Token = opts.token
	}

	logger, err := logging.NewWithWriter(cfg.Server.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("configure logger: %w", err)
	}

	transport, err := client.New(client.Options{
		BaseURL:           cfg.Client.BaseURL,
		Token:             cfg.Client.Token,
		Timeout:           cfg.Client.TimeoutDuration(),
		RateLimit:         cfg.Client.RateLimit,
		RateBurst:         cfg.Client.RateBurst,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	resourceCache := cache.New(cache.Options{
		KeepUnused:         cfg.Client.Cache.KeepUnusedDuration(),
		RefetchConcurrency: cfg.Client.Cache.RefetchConcurrency,
		Logger:             logger,
	})
	return &session{
		api:    api.New(api.NewDispatcher(transport, resourceCache, logger)),
		cache:  resourceCache,
		logger: logger,
		stdin:  cmd.InOrStdin(),
		stdout: cmd.OutOrStdout(),
	}, nil
}

func report(w io.Writer, err error) int {
	fmt.Fprintln(w, err)
	if errors.Is(err, errUsage) {
		return exitUsage
	}
	var cerr *client.Error
	if errors.As(err, &cerr) {
		for field, messages := range cerr.Fields {
			fmt.Fprintf(w, "  %s: %s\n", field, strings.Join(messages, "; "))
		}
	}
	switch client.KindOf(err) {
	case client.KindValidation:
		return exitValidation
	case client.KindNotFound:
		return exitNotFound
	case client.KindAuthorization:
		return exitAuthorization
	case client.KindNetwork:
		return exitNetwork
	default:
		return exitFailure
	}
}

func usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("%s", usage)
		}
		for _, arg := range args {
			if strings.TrimSpace(arg) == "" {
				return usagef("%s", usage)
			}
		}
		return nil
	}
}

// groupCmd is a parent command that only rejects unknown actions.
func groupCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <action>",
		Short: short,
		Args:  cobra.ArbitraryArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				return usagef("immogestctl %s <action> [args]", name)
			}
			return usagef("unknown action %q for %s", args[0], name)
		},
	}
}

// follow prints every fresh snapshot until ctx ends.
func (s *session) follow(ctx context.Context, sub *cache.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			switch {
			case snap.Status == cache.StatusFresh:
				if err := s.print(snap.Data, nil); err != nil {
					return err
				}
			case snap.Err != nil:
				s.logger.Warn("refresh failed", slog.Any("error", snap.Err))
			}
		}
	}
}

// body decodes data, or stdin when data is empty, as a JSON object.
func (s *session) body(data string) (map[string]any, error) {
	raw := []byte(data)
	if len(raw) == 0 {
		var err error
		raw, err = io.ReadAll(s.stdin)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, usagef("body must be a JSON object: %v", err)
	}
	if body == nil {
		return nil, usagef("body must be a JSON object")
	}
	return body, nil
}

func (s *session) print(value any, err error) error {
	if err != nil {
		return err
	}
	enc := json.NewEncoder(s.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
