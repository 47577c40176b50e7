package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/briangreenhill/thumbcache/actions"
	"github.com/briangreenhill/thumbcache/cache"
	"github.com/briangreenhill/thumbcache/internal/app"
	"github.com/briangreenhill/thumbcache/internal/config"
	"github.com/briangreenhill/thumbcache/internal/notify"
	"github.com/briangreenhill/thumbcache/thumb"
)

const version = "thumbcache v0.1.0"

// loader builds the application, sending outcome messages to sink.
type loader func(ctx context.Context, sink cache.Sink) (*app.App, config.Config, error)

func main() {
	if err := runCLI(os.Args[1:], os.Stdout, loadApp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadApp(ctx context.Context, sink cache.Sink) (*app.App, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cfg, err
	}
	a, err := app.Setup(ctx, cfg, cfg.Logger(os.Stderr), app.WithSink(sink))
	return a, cfg, err
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: thumbcache <command> [arg]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  rm_img_cache <url|id>  Delete every cached size of one image")
	fmt.Fprintln(w, "  rm_stub_thumbs         Delete the no-photo placeholder thumbnails")
	fmt.Fprintln(w, "  rm_thumbs              Delete the whole thumbnail cache")
	fmt.Fprintln(w, "  rm_post_meta           Delete the stored thumbnail URLs of all posts")
	fmt.Fprintln(w, "  rm_all_data            rm_thumbs and rm_post_meta")
	fmt.Fprintln(w, "  smart-clear [stub]     Clear the cache if its expiry passed")
	fmt.Fprintln(w, "  post-saved <id> [site] Reset the stored thumbnail URL of a post")
	fmt.Fprintln(w, "  index                  Summarize the cache contents")
	fmt.Fprintln(w, "  help, version")
	fmt.Fprintln(w, "Configuration: THUMBCACHE_CONFIG (YAML file), CACHE_DIR, CACHE_DIR_URL, SITE_URL,")
	fmt.Fprintln(w, "  META_KEY, AUTO_CLEAR, AUTO_CLEAR_DAYS, DATABASE_URL, TABLE_PREFIX, MULTISITE")
}

func runCLI(args []string, out io.Writer, load loader) error {
	if len(args) == 0 {
		usage(out)
		return fmt.Errorf("no command given")
	}
	switch args[0] {
	case "help", "--help", "-h":
		usage(out)
		return nil
	case "version", "--version", "-v":
		fmt.Fprintln(out, version)
		return nil
	}

	ctx := context.Background()
	collector := &notify.Collector{}
	a, cfg, err := load(ctx, collector)
	if err != nil {
		return err
	}
	defer a.Close()

	var res cache.Result
	switch cmd := args[0]; cmd {
	case "smart-clear":
		res = a.Manager.SmartClear(ctx, len(args) > 1 && args[1] == "stub")
	case "post-saved":
		if len(args) < 2 {
			return fmt.Errorf("post-saved needs a post id")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid post id %q", args[1])
		}
		var site int64
		if len(args) > 2 {
			site, err = strconv.ParseInt(args[2], 10, 64)
			if err != nil || site <= 0 {
				return fmt.Errorf("invalid site id %q", args[2])
			}
		}
		res = a.Manager.InvalidateSitePostMeta(ctx, site, id)
	case "index":
		return printIndex(out, a.Manager.Store())
	default:
		arg := ""
		if len(args) > 1 {
			arg = args[1]
		}
		res, err = a.Actions.Run(ctx, cmd, arg)
		if err != nil {
			return fmt.Errorf("%w (available: %v)", err, a.Actions.List())
		}
		actions.Sweep(ctx, a.Manager, cfg.AutoClear)
	}

	for _, m := range collector.Messages() {
		fmt.Fprintf(out, "[%s] %s\n", m.Status, m.Text)
	}
	if res.Status == cache.StatusFailed {
		return fmt.Errorf("%s failed: %v", res.Op, res.Err)
	}
	return nil
}

func printIndex(out io.Writer, s *cache.Store) error {
	if s == nil {
		return cache.ErrMissingCacheRoot
	}
	idx, err := s.Index()
	if err != nil {
		return err
	}

	hashes := make([]string, 0, len(idx))
	files := 0
	for h, paths := range idx {
		files += len(paths)
		if h != thumb.StubPrefix {
			hashes = append(hashes, h)
		}
	}
	sort.Strings(hashes)

	fmt.Fprintf(out, "%s: %d images, %d files, %d stubs\n", s.Root(), len(hashes), files, len(idx[thumb.StubPrefix]))
	for _, h := range hashes {
		fmt.Fprintf(out, "  %s %d\n", h, len(idx[h]))
	}
	return nil
}
