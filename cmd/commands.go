package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"chansync/engine"
	"chansync/internal"
	"chansync/server"
	"chansync/utils"
)

var (
	loadPolicy  string
	loadReparse string
	loadClear   bool
	loadJSON    bool
	serveAddr   string
)

var loadCmd = &cobra.Command{
	Use:   "load <URL>",
	Short: "Load a thread or catalog through the cache",
	Long: `Load a thread or catalog. The cached snapshot is reused while the policy allows
it, otherwise it is refreshed from the site. When the site fails, a non-empty
cached snapshot is served and marked stale.

Policies:
  cache            reuse any cached snapshot
  force            always refresh from the site
  stale:<max-age>  refresh snapshots older than max-age (default uses CHANSYNC_MAX_AGE)

Examples:
  chansync load https://boards.4chan.org/g/thread/123456
  chansync load --policy force --json https://boards.4chan.org/g/catalog
  chansync load --reparse all https://boards.4chan.org/g/thread/123456`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy := internal.UpdateIfStale(config.DefaultMaxAge)
		if loadPolicy != "" {
			p, err := internal.ParseCacheUpdatePolicy(loadPolicy)
			if err != nil {
				validationErr := internal.NewValidationErrorWithValue("policy", err.Error(), loadPolicy).
					WithSuggestion("Use cache, force or stale:<duration>")
				internal.LogValidationError(validationErr)
				return validationErr
			}
			policy = p
		}

		opts, err := parseLoadOptions(loadReparse, loadClear)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx, config)
		if err != nil {
			return err
		}
		defer a.Close()

		urlInfo, err := a.validator.ParseURL(args[0])
		if err != nil {
			internal.LogErr(err)
			return fmt.Errorf("invalid URL: %w\n\nSupported URL formats:\n  - https://boards.4chan.org/<board>/thread/<no>\n  - https://boards.4chan.org/<board>/catalog\n  - https://boards.4chan.org/<board>/", err)
		}
		internal.LogDebug("URL parsed: %s", urlInfo)

		result := a.coordinator.LoadResource(ctx, urlInfo.Key, policy, opts)
		if !result.IsLoaded() {
			reportLoadError(result.Err)
			return result.Err
		}
		if result.Err != nil {
			internal.LogWarn("Showing cached data: %v", result.Err)
		}

		if loadJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result.Snapshot)
		}
		printSnapshot(result, urlInfo.PostNo)
		return nil
	},
}

var bookmarksCmd = &cobra.Command{
	Use:   "bookmarks <THREAD_URL>...",
	Short: "Refresh bookmarked threads in batches",
	Long: `Fetch every given thread in bounded batches and report what changed.
Threads that are gone from the site stop being watched; other failures are
reported and retried on the next run.

Examples:
  chansync bookmarks https://boards.4chan.org/g/thread/1 https://boards.4chan.org/a/thread/2
  chansync bookmarks -b 4 -r 2/s $(cat bookmarks.txt)`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx, config)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, raw := range args {
			urlInfo, err := a.validator.ParseURL(raw)
			if err != nil {
				return fmt.Errorf("invalid bookmark %s: %w", raw, err)
			}
			if err := a.bookmarks.Add(urlInfo.Key); err != nil {
				return fmt.Errorf("invalid bookmark %s: %w", raw, err)
			}
		}

		watched := a.bookmarks.Watched()
		progress := utils.NewProgressTracker(int64(len(watched)), config.QuietMode)
		batch := a.batchConfig()
		batch.OnItem = func(index int, kind internal.OutcomeKind) {
			progress.Record(kind.String())
		}

		fetcher := engine.NewBookmarkFetcher(a.backends, a.bookmarks, batch)
		keys, outcomes, update := fetcher.Refresh(ctx)
		summary := progress.Finish()

		for i, key := range keys {
			b, _ := a.bookmarks.Get(key)
			switch outcomes[i].Kind {
			case internal.OutcomeSuccess:
				fmt.Printf("%-24s %4d posts  last #%d  %s\n", key, b.PostCount, b.LastPostNo, b.Title)
			default:
				fmt.Printf("%-24s %s\n", key, outcomes[i])
			}
		}
		if !config.QuietMode {
			fmt.Println()
			fmt.Println(summary)
			fmt.Printf("Updated %d, stopped watching %d, failed %d\n", update.Updated, update.Stopped, update.Failed)
			for _, c := range a.bypass.Pending() {
				fmt.Printf("Challenge pending for %s: open %s and run 'chansync credential set %s <value>'\n", c.Host, c.ResolveURL, c.Host)
			}
		}
		if ctx.Err() != nil {
			return fmt.Errorf("refresh cancelled by user")
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin HTTP API",
	Long: `Serve pending challenges, credential submission and resource loads over HTTP.

Endpoints:
  GET    /healthz
  GET    /challenges
  PUT    /credentials/{host}          body: {"value": "<cf_clearance value>"}
  DELETE /credentials/{host}
  GET    /resources/{site}/{board}     board may join several boards with +
  GET    /resources/{site}/{board}/thread/{no}?policy=cache|force|stale:<d>&reparse=all|1,2&clear=true`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := config.ServerAddr
		if cmd.Flags().Changed("addr") {
			addr = serveAddr
		}

		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx, config)
		if err != nil {
			return err
		}
		defer a.Close()

		handler := server.NewRouter(&server.Handler{
			Loader:        a.coordinator,
			Bypass:        a.bypass,
			Credentials:   a.credentials,
			DefaultPolicy: internal.UpdateIfStale(config.DefaultMaxAge),
		})
		return server.Serve(ctx, addr, handler)
	},
}

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage challenge bypass credentials",
}

var credentialSetCmd = &cobra.Command{
	Use:   "set <HOST> <VALUE>",
	Short: "Store the clearance credential for a host",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, config)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.bypass.Resolve(ctx, args[0], args[1]); err != nil {
			return err
		}
		if !config.QuietMode {
			fmt.Printf("Credential stored for %s\n", strings.ToLower(args[0]))
		}
		return nil
	},
}

var credentialClearCmd = &cobra.Command{
	Use:   "clear <HOST>",
	Short: "Remove the credential of a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, config)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.credentials.Clear(ctx, args[0])
	},
}

// hostLister is implemented by every credential store shipped here
type hostLister interface {
	Hosts(ctx context.Context) ([]string, error)
}

var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hosts holding a credential",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, config)
		if err != nil {
			return err
		}
		defer a.Close()

		lister, ok := a.credentials.(hostLister)
		if !ok {
			return fmt.Errorf("credential store cannot list hosts")
		}
		hosts, err := lister.Hosts(ctx)
		if err != nil {
			return err
		}
		for _, h := range hosts {
			fmt.Println(h)
		}
		return nil
	},
}

func init() {
	credentialCmd.AddCommand(credentialSetCmd, credentialClearCmd, credentialListCmd)

	loadCmd.Flags().StringVarP(&loadPolicy, "policy", "p", "", "Cache policy: cache, force or stale:<duration>")
	loadCmd.Flags().StringVar(&loadReparse, "reparse", "", "Reparse cached posts: all or comma separated post numbers")
	loadCmd.Flags().BoolVar(&loadClear, "clear", false, "Drop the cached entry before loading")
	loadCmd.Flags().BoolVar(&loadJSON, "json", false, "Print the snapshot as JSON")

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (env: CHANSYNC_SERVER_ADDR)")
}

// parseLoadOptions turns --reparse and --clear into load options
func parseLoadOptions(reparse string, clear bool) (internal.LoadOptions, error) {
	if clear && reparse != "" {
		return internal.LoadOptions{}, internal.NewValidationError("reparse", "--clear and --reparse are mutually exclusive")
	}
	if clear {
		return internal.ClearMemoryCache(), nil
	}
	if reparse == "" {
		return internal.RetainAll(), nil
	}
	if reparse == "all" {
		return internal.ForceUpdatePosts(), nil
	}

	var nos []int64
	for _, part := range strings.Split(reparse, ",") {
		no, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || no <= 0 {
			return internal.LoadOptions{}, internal.NewValidationErrorWithValue("reparse", "expected all or post numbers", reparse)
		}
		nos = append(nos, no)
	}
	return internal.ForceUpdatePosts(nos...), nil
}

// reportLoadError logs err and prints the follow-up a user can take
func reportLoadError(err error) {
	internal.LogErr(err)

	switch internal.ErrorTypeOf(err) {
	case internal.ErrChallengeRequired:
		host := "<host>"
		var c *internal.ChallengeRequiredError
		if errors.As(err, &c) {
			host = c.Host
		}
		fmt.Fprintf(os.Stderr, "The site asked for a browser check. Solve it in a browser, then run:\n  chansync credential set %s <cf_clearance value>\n", host)
	case internal.ErrNotFoundOnServer:
		fmt.Fprintln(os.Stderr, "The resource is gone from the site and nothing is cached.")
	case internal.ErrConfiguration:
		fmt.Fprintln(os.Stderr, "Register the site in a sites file (--sites) to load it.")
	}
}

// printSnapshot writes a short listing of the snapshot. A highlighted post is marked with >.
func printSnapshot(result internal.LoadResult, highlight int64) {
	snap := result.Snapshot
	stale := ""
	if snap.Stale {
		stale = " (stale)"
	}
	fmt.Printf("%s  %d posts  version %d  %s%s\n", result.Key, snap.PostCount(), snap.Version, result.Decision, stale)
	if !snap.UpdatedAt.IsZero() {
		fmt.Printf("updated %s\n", snap.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Println()

	for _, p := range snap.Posts {
		marker := " "
		if p.No == highlight {
			marker = ">"
		}
		text := p.Subject
		if text == "" {
			text = firstLine(p.Comment)
		}
		fmt.Printf("%s %-10d %s  %s\n", marker, p.No, p.Time.Format("01/02 15:04"), text)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 100 {
		s = s[:100] + "..."
	}
	return s
}
