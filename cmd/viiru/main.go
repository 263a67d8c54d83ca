// Command viiru runs a core program against an in-process editor session and
// renders the result.
//
//	viiru demo    [--project in.sb3] [--out out.sb3]
//	viiru gallery [--out out.sb3]
//	viiru run     script.js [--out out.sb3]
//	viiru dump    [--project in.sb3] [--target Stage] [--color]
//	viiru png     --png scripts.png [--project in.sb3]
//	viiru tui     [--project in.sb3] [--out out.sb3]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"viiru.dev/internal/catalog"
	"viiru.dev/internal/config"
	"viiru.dev/internal/driver"
	"viiru.dev/internal/editor"
	"viiru.dev/internal/render"
	"viiru.dev/internal/script"
	"viiru.dev/internal/session"
	"viiru.dev/internal/tui"
)

type options struct {
	configPath string
	project    string
	out        string
	target     string
	png        string
	greeting   string
	colour     bool
	verbose    bool
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	var o options
	fs.StringVar(&o.configPath, "config", "", "config yaml")
	fs.StringVar(&o.project, "project", "", ".sb3 to load before running")
	fs.StringVar(&o.out, "out", "", ".sb3 to save when done")
	fs.StringVar(&o.target, "target", "", "target to render (default: editing target)")
	fs.StringVar(&o.png, "png", "scripts.png", "png output path")
	fs.StringVar(&o.greeting, "greeting", "Hello!", "demo say text")
	fs.BoolVar(&o.colour, "color", false, "colour dump output")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "log bridge activity")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, cmd, fs.Args(), o); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: viiru demo|gallery|run|dump|png|tui [flags]")
}

type local struct {
	sess *session.Session
	cat  *catalog.Catalog
	cfg  config.Config
	stop func()
}

// open starts an in-process session with the configured catalog.
func open(ctx context.Context, o options, logger *log.Logger) (*local, error) {
	_ = config.LoadDotEnv(".env")
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cat, err := catalog.Load(cfg.CatalogDir)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	sess := session.New(session.Config{ID: "local"}, editor.New(cat), logger)
	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = sess.Run(runCtx) }()
	return &local{sess: sess, cat: cat, cfg: cfg, stop: func() {
		cancel()
		<-sess.Done()
	}}, nil
}

func run(ctx context.Context, w io.Writer, cmd string, args []string, o options) error {
	logger := log.New(io.Discard, "", 0)
	if o.verbose {
		logger = log.New(os.Stderr, "[viiru] ", log.LstdFlags|log.Lmicroseconds)
	}
	l, err := open(ctx, o, logger)
	if err != nil {
		return err
	}
	defer l.stop()

	d := driver.New(l.sess, driver.Options{GridPx: l.cfg.Driver.GridPx, Columns: l.cfg.Driver.Columns, Logger: logger})
	switch cmd {
	case "demo":
		return driver.Run(ctx, l.sess, o.project, o.out, func(ctx context.Context) error {
			if _, err := d.Demo(ctx, o.greeting); err != nil {
				return err
			}
			return dump(ctx, w, l, o)
		})
	case "gallery":
		return driver.Run(ctx, l.sess, o.project, o.out, func(ctx context.Context) error {
			created, failed, err := d.Gallery(ctx, l.cat.Toolbox)
			fmt.Fprintf(w, "created %d blocks\n", len(created))
			for op, ferr := range failed {
				fmt.Fprintf(w, "  %s: %v\n", op, ferr)
			}
			return err
		})
	case "run":
		if len(args) == 0 {
			return errors.New("usage: viiru run <script.js>")
		}
		r := script.New(log.New(w, "", 0))
		return driver.Run(ctx, l.sess, o.project, o.out, func(ctx context.Context) error {
			return r.RunFile(ctx, args[0], l.sess)
		})
	case "dump":
		return driver.Run(ctx, l.sess, o.project, "", func(ctx context.Context) error {
			return dump(ctx, w, l, o)
		})
	case "png":
		return driver.Run(ctx, l.sess, o.project, "", func(ctx context.Context) error {
			v, err := l.sess.Export(ctx)
			if err != nil {
				return err
			}
			t := v.Project.Target(pick(o.target, v.EditingTarget))
			if t == nil {
				return fmt.Errorf("no target %q", pick(o.target, v.EditingTarget))
			}
			if err := render.PNG(o.png, l.cat, t); err != nil {
				return err
			}
			fmt.Fprintln(w, "wrote", o.png)
			return nil
		})
	case "tui":
		if o.project != "" {
			if err := l.sess.LoadProject(ctx, o.project); err != nil {
				return err
			}
		}
		return tui.Run(ctx, l.sess, l.cat, o.out)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func dump(ctx context.Context, w io.Writer, l *local, o options) error {
	v, err := l.sess.Export(ctx)
	if err != nil {
		return err
	}
	name := pick(o.target, v.EditingTarget)
	t := v.Project.Target(name)
	if t == nil {
		return fmt.Errorf("no target %q", name)
	}
	return render.Text(w, l.cat, t, o.colour)
}

func pick(s, def string) string {
	if s != "" {
		return s
	}
	return def
}
