// Package call implements the `call` sub-command, which invokes a single
// canister method and prints the decoded reply.
package call

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"

	cmdCommon "github.com/yral-dapp/postcache/cmd/common"
	"github.com/yral-dapp/postcache/common"
	"github.com/yral-dapp/postcache/config"
	"github.com/yral-dapp/postcache/log"
	"github.com/yral-dapp/postcache/postcache"
)

const moduleName = "call"

// Output formats.
const (
	outputYAML = "yaml"
	outputJSON = "json"
)

var (
	// Path to the configuration file.
	configFile string

	output    string
	logFormat = log.FmtLogfmt
	logLevel  = log.LevelWarn

	callCmd = &cobra.Command{
		Use:   "call",
		Short: "Call a post cache canister method",
	}
)

type options struct {
	service *cmdCommon.Canister
	out     io.Writer
	in      io.Reader
	format  string
}

// runE sets up the canister client for a single call and prints what fn
// returns.
func runE(fn func(ctx context.Context, o *options, cmd *cobra.Command, args []string) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if output != outputYAML && output != outputJSON {
			return fmt.Errorf("unsupported output format %q", output)
		}
		logger, err := log.NewLogger("postcache", os.Stderr, logFormat, logLevel)
		if err != nil {
			return err
		}
		cfg, err := config.InitConfig(configFile)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		service, err := cmdCommon.NewCanister(ctx, cfg.Agent, cfg.Cache, logger.WithModule(moduleName))
		if err != nil {
			return err
		}
		defer service.Close()

		o := &options{service: service, out: cmd.OutOrStdout(), in: cmd.InOrStdin(), format: output}
		res, err := fn(ctx, o, cmd, args)
		if err != nil {
			return err
		}
		return writeOutput(o.out, o.format, res)
	}
}

// writeOutput prints v in the requested format. YAML output uses the JSON
// field names.
func writeOutput(w io.Writer, format string, v any) error {
	if v == nil {
		return nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if format == outputJSON {
		_, err = fmt.Fprintln(w, string(b))
		return err
	}

	var doc yaml.MapSlice
	if err = yaml.Unmarshal(b, &doc); err != nil {
		// Not an object.
		var scalar interface{}
		if err = yaml.Unmarshal(b, &scalar); err != nil {
			return err
		}
		b, err = yaml.Marshal(scalar)
	} else {
		b, err = yaml.Marshal(doc)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// readJSON decodes the JSON document at path into v; "-" reads stdin.
func readJSON(o *options, path string, v any) error {
	r := o.in
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func normalizePost(item *postcache.PostScoreIndexItemV1) error {
	status, err := postcache.ParsePostStatus(string(item.Status))
	if err != nil {
		return err
	}
	item.Status = status
	return nil
}

type cycleBalance struct {
	CanisterID   string        `json:"canister_id"`
	CycleBalance common.BigInt `json:"cycle_balance"`
}

func newCycleBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle-balance",
		Short: "Print the canister's cycle balance",
		Args:  cobra.NoArgs,
		RunE: runE(func(ctx context.Context, o *options, _ *cobra.Command, _ []string) (any, error) {
			balance, err := o.service.GetCycleBalance(ctx)
			if err != nil {
				return nil, err
			}
			return cycleBalance{
				CanisterID:   o.service.CanisterID().String(),
				CycleBalance: common.BigInt{Int: *balance},
			}, nil
		}),
	}
}

type topPostsFlags struct {
	from       uint64
	limit      uint64
	isNsfw     bool
	status     string
	nsfwFilter string
}

func (f *topPostsFlags) filters(fs *pflag.FlagSet) (isNsfw *bool, status *postcache.PostStatus, filter *postcache.NsfwFilter, err error) {
	if fs.Changed("is-nsfw") {
		isNsfw = common.Ptr(f.isNsfw)
	}
	if f.status != "" {
		s, err := postcache.ParsePostStatus(f.status)
		if err != nil {
			return nil, nil, nil, err
		}
		status = &s
	}
	if f.nsfwFilter != "" {
		nf, err := postcache.ParseNsfwFilter(f.nsfwFilter)
		if err != nil {
			return nil, nil, nil, err
		}
		filter = &nf
	}
	return isNsfw, status, filter, nil
}

func newTopPostsCmd() *cobra.Command {
	var f topPostsFlags
	cmd := &cobra.Command{
		Use:   "top-posts <home|hot_or_not>",
		Short: "Print a page of a feed",
		Args:  cobra.ExactArgs(1),
		RunE: runE(func(ctx context.Context, o *options, cmd *cobra.Command, args []string) (any, error) {
			feed, err := postcache.ParseFeedKind(args[0])
			if err != nil {
				return nil, err
			}
			isNsfw, status, filter, err := f.filters(cmd.Flags())
			if err != nil {
				return nil, err
			}
			return o.service.GetTopPosts(ctx, feed, f.from, f.limit, isNsfw, status, filter)
		}),
	}
	cmd.Flags().Uint64Var(&f.from, "from", 0, "index of the first post")
	cmd.Flags().Uint64Var(&f.limit, "limit", 10, "number of posts")
	cmd.Flags().BoolVar(&f.isNsfw, "is-nsfw", false, "only posts with this nsfw flag")
	cmd.Flags().StringVar(&f.status, "status", "", "only posts with this status")
	cmd.Flags().StringVar(&f.nsfwFilter, "nsfw-filter", "", "nsfw filter (include_nsfw, exclude_nsfw, only_nsfw)")
	return cmd
}

func newWellKnownPrincipalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "well-known-principal <type>",
		Short: "Print a principal the canister knows by type",
		Args:  cobra.ExactArgs(1),
		RunE: runE(func(ctx context.Context, o *options, _ *cobra.Command, args []string) (any, error) {
			t, err := postcache.ParseKnownPrincipalType(args[0])
			if err != nil {
				return nil, err
			}
			p, err := o.service.GetWellKnownPrincipalValue(ctx, t)
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, fmt.Errorf("canister holds no principal for %s", t)
			}
			return postcache.KnownPrincipal{Type: t, Principal: *p}, nil
		}),
	}
}

type httpResponse struct {
	StatusCode uint16                  `json:"status_code"`
	Headers    []postcache.HeaderField `json:"headers"`
	Body       string                  `json:"body,omitempty"`
	BodyBytes  []byte                  `json:"body_bytes,omitempty"`
}

func newHTTPRequestCmd() *cobra.Command {
	var (
		method  string
		headers []string
		body    string
	)
	cmd := &cobra.Command{
		Use:   "http-request <url>",
		Short: "Send a request to the canister's http_request method",
		Args:  cobra.ExactArgs(1),
		RunE: runE(func(ctx context.Context, o *options, _ *cobra.Command, args []string) (any, error) {
			req := postcache.HTTPRequest{
				URL:     args[0],
				Method:  strings.ToUpper(method),
				Body:    []byte(body),
				Headers: []postcache.HeaderField{},
			}
			for _, h := range headers {
				name, value, ok := strings.Cut(h, ":")
				if !ok {
					return nil, fmt.Errorf("malformed header %q, want name:value", h)
				}
				req.Headers = append(req.Headers, postcache.HeaderField{
					Name:  strings.TrimSpace(name),
					Value: strings.TrimSpace(value),
				})
			}
			resp, err := o.service.HTTPRequest(ctx, req)
			if err != nil {
				return nil, err
			}
			res := httpResponse{StatusCode: resp.StatusCode, Headers: resp.Headers}
			if utf8.Valid(resp.Body) {
				res.Body = string(resp.Body)
			} else {
				res.BodyBytes = resp.Body
			}
			return res, nil
		}),
	}
	cmd.Flags().StringVarP(&method, "method", "X", "GET", "request method")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header as name:value; repeatable")
	cmd.Flags().StringVarP(&body, "data", "d", "", "request body")
	return cmd
}

func newReceiveTopPostsCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "receive-top-posts <home|hot_or_not>",
		Short: "Push a JSON array of posts into a feed",
		Args:  cobra.ExactArgs(1),
		RunE: runE(func(ctx context.Context, o *options, _ *cobra.Command, args []string) (any, error) {
			feed, err := postcache.ParseFeedKind(args[0])
			if err != nil {
				return nil, err
			}
			var items []postcache.PostScoreIndexItemV1
			if err := readJSON(o, file, &items); err != nil {
				return nil, err
			}
			for i := range items {
				if err := normalizePost(&items[i]); err != nil {
					return nil, fmt.Errorf("post %d: %w", i, err)
				}
			}
			return nil, o.service.ReceiveTopPosts(ctx, feed, items)
		}),
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file with the posts; - reads stdin")
	return cmd
}

func newUpdatePostCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "update-post <home|hot_or_not>",
		Short: "Update a single post of a feed from a JSON object",
		Args:  cobra.ExactArgs(1),
		RunE: runE(func(ctx context.Context, o *options, _ *cobra.Command, args []string) (any, error) {
			feed, err := postcache.ParseFeedKind(args[0])
			if err != nil {
				return nil, err
			}
			var item postcache.PostScoreIndexItemV1
			if err := readJSON(o, file, &item); err != nil {
				return nil, err
			}
			if err := normalizePost(&item); err != nil {
				return nil, err
			}
			return nil, o.service.UpdatePost(ctx, feed, item)
		}),
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file with the post; - reads stdin")
	return cmd
}

func newRemoveAllFeedEntriesCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "remove-all-feed-entries",
		Short: "Empty every feed of the canister",
		Args:  cobra.NoArgs,
		PreRunE: func(*cobra.Command, []string) error {
			if !yes {
				return fmt.Errorf("refusing to empty the feeds without --yes")
			}
			return nil
		},
		RunE: runE(func(ctx context.Context, o *options, _ *cobra.Command, _ []string) (any, error) {
			return nil, o.service.RemoveAllFeedEntries(ctx)
		}),
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm removal")
	return cmd
}

type initArgument struct {
	Argument string `json:"argument"`
}

// encodeInitArgs reads install arguments as JSON and returns their hex
// Candid encoding, as taken by `dfx canister install --argument-type raw`.
func encodeInitArgs(o *options, path string) (*initArgument, error) {
	var args postcache.PostCacheInitArgs
	if err := readJSON(o, path, &args); err != nil {
		return nil, err
	}
	for i, kp := range args.KnownPrincipalIDs {
		t, err := postcache.ParseKnownPrincipalType(string(kp.Type))
		if err != nil {
			return nil, fmt.Errorf("known principal %d: %w", i, err)
		}
		args.KnownPrincipalIDs[i].Type = t
	}
	b, err := postcache.EncodeInitArgs(args)
	if err != nil {
		return nil, err
	}
	return &initArgument{Argument: hex.EncodeToString(b)}, nil
}

func newEncodeInitArgsCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "encode-init-args",
		Short: "Encode the canister's install argument from a JSON object",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output != outputYAML && output != outputJSON {
				return fmt.Errorf("unsupported output format %q", output)
			}
			o := &options{out: cmd.OutOrStdout(), in: cmd.InOrStdin(), format: output}
			res, err := encodeInitArgs(o, file)
			if err != nil {
				return err
			}
			return writeOutput(o.out, o.format, res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file with the arguments; - reads stdin")
	return cmd
}

func addLogFlags(fs *pflag.FlagSet) {
	fs.Var(&logFormat, "log.format", "log format")
	fs.Var(&logLevel, "log.level", "log level")
}

// Register registers the call sub-command.
func Register(parentCmd *cobra.Command) {
	callCmd.PersistentFlags().StringVar(&configFile, "config", "./config/local.yml", "path to the config.yml file")
	callCmd.PersistentFlags().StringVarP(&output, "output", "o", outputYAML, "output format (yaml, json)")
	addLogFlags(callCmd.PersistentFlags())

	callCmd.AddCommand(
		newCycleBalanceCmd(),
		newTopPostsCmd(),
		newWellKnownPrincipalCmd(),
		newHTTPRequestCmd(),
		newReceiveTopPostsCmd(),
		newUpdatePostCmd(),
		newRemoveAllFeedEntriesCmd(),
		newEncodeInitArgsCmd(),
	)
	parentCmd.AddCommand(callCmd)
}
