// Command client is a core program that drives a running server over the
// websocket bridge.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"viiru.dev/internal/bridge"
	"viiru.dev/internal/catalog"
	"viiru.dev/internal/driver"
	"viiru.dev/internal/script"
	"viiru.dev/internal/transport/ws"
)

type options struct {
	program  string
	script   string
	greeting string
	in       string
	out      string
}

func main() {
	var (
		url        = flag.String("url", "ws://127.0.0.1:8090/v1/ws", "ws url")
		name       = flag.String("name", "client", "client name sent in HELLO")
		catalogDir = flag.String("catalog", "", "catalog override dir (gallery opcodes)")
		subscribe  = flag.Bool("subscribe", false, "log changes pushed by the server")
		linger     = flag.Duration("linger", 0, "keep the connection open this long after the program ends")
		o          options
	)
	flag.StringVar(&o.program, "program", "demo", "built-in program: demo|gallery|none")
	flag.StringVar(&o.script, "script", "", "run this JS file instead of a built-in program")
	flag.StringVar(&o.greeting, "greeting", "Hello!", "demo say text")
	flag.StringVar(&o.in, "load", "", "server-side .sb3 to load first")
	flag.StringVar(&o.out, "out", "", "server-side .sb3 to save to when done")
	flag.Parse()

	logger := log.New(os.Stdout, "[client] ", log.LstdFlags|log.Lmicroseconds)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Load(*catalogDir)
	if err != nil {
		logger.Fatalf("catalog: %v", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := ws.Dial(dialCtx, *url, *name, *subscribe)
	cancel()
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer c.Close()

	w := c.Welcome()
	logger.Printf("WELCOME session=%s seq=%d target=%s", w.SessionID, w.Seq, w.EditingTarget)
	if w.Catalog.Digest != cat.Digest {
		logger.Printf("catalog digest differs from server (local=%s server=%s)", cat.Digest, w.Catalog.Digest)
	}

	if *subscribe {
		go func() {
			for ch := range c.Events() {
				logger.Printf("EVENT seq=%d op=%s block=%s", ch.Seq, ch.Op, ch.BlockID)
			}
		}()
	}

	if err := run(ctx, c, cat, o, logger); err != nil {
		logger.Fatalf("run: %v", err)
	}
	if *linger > 0 {
		select {
		case <-ctx.Done():
		case <-c.Done():
		case <-time.After(*linger):
		}
	}
}

func run(ctx context.Context, api bridge.API, cat *catalog.Catalog, o options, logger *log.Logger) error {
	if o.script != "" {
		r := script.New(logger)
		return driver.Run(ctx, api, o.in, o.out, func(ctx context.Context) error {
			return r.RunFile(ctx, o.script, api)
		})
	}

	d := driver.New(api, driver.Options{Logger: logger})
	var program func(context.Context) error
	switch o.program {
	case "demo":
		program = func(ctx context.Context) error {
			_, err := d.Demo(ctx, o.greeting)
			return err
		}
	case "gallery":
		program = func(ctx context.Context) error {
			_, failed, err := d.Gallery(ctx, cat.Toolbox)
			for op, ferr := range failed {
				logger.Printf("gallery: %s: %v", op, ferr)
			}
			return err
		}
	case "none", "":
		program = func(context.Context) error { return nil }
	default:
		return fmt.Errorf("unknown program %q (demo|gallery|none)", o.program)
	}
	return driver.Run(ctx, api, o.in, o.out, program)
}
