// Command ext3ck is an offline ext2/ext3 journal consistency and
// recovery driver: it reconciles a filesystem's journal superblock
// fields and, when the filesystem reports it needs recovery, replays
// the journal before handing the image back to whatever check runs
// next.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"miren.dev/ext3ck/problem"
	"miren.dev/ext3ck/runner"
)

var (
	fPreen       = pflag.BoolP("preen", "p", false, "non-interactive mode: resolve every problem with its conservative default")
	fAssumeYes   = pflag.BoolP("yes", "y", false, "assume yes to every problem")
	fAssumeNo    = pflag.BoolP("no", "n", false, "assume no to every problem")
	fReadOnly    = pflag.BoolP("read-only", "r", false, "open the image read-only; refuse to recover a journal that needs replay")
	fVerbose     = pflag.CountP("verbose", "v", "increase log verbosity (-v, -vv)")
	fMetricsAddr = pflag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. 127.0.0.1:9100)")
)

func main() {
	pflag.Parse()

	if pflag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ext3ck [flags] <device-or-image>")
		os.Exit(2)
	}
	path := pflag.Arg(0)

	levelVar := new(slog.LevelVar)
	levelVar.Set(verbosityLevel(*fVerbose))
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer cancel()
	watchVerbosity(ctx, levelVar, log)

	channel, err := resolveChannel(log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	metrics := newGaugeMetrics()
	if *fMetricsAddr != "" {
		serveMetrics(*fMetricsAddr, metrics, log)
	}

	c := runner.NewWithMetrics(log, metrics)
	img, dirty, err := c.Check(path, channel, *fReadOnly)
	if err != nil {
		log.Error("journal check failed", "error", err)
		os.Exit(1)
	}
	defer img.Close()

	if dirty {
		if img.ReadOnly() {
			log.Warn("superblock needs writing back but image is read-only, leaving it dirty")
		} else if err := img.WriteSuperblock(); err != nil {
			log.Error("failed to write back superblock", "error", err)
			os.Exit(1)
		} else {
			log.Info("wrote back updated superblock")
		}
	}

	if img.Superblock().NeedsRecovery() {
		log.Error("filesystem still needs recovery after journal check")
		os.Exit(1)
	}

	log.Info("journal check complete", "path", path, "superblock-dirty", dirty)
}

func resolveChannel(log *slog.Logger) (problem.Channel, error) {
	switch {
	case *fPreen && (*fAssumeYes || *fAssumeNo):
		return nil, errors.New("ext3ck: -p is mutually exclusive with -y/-n")
	case *fAssumeYes && *fAssumeNo:
		return nil, errors.New("ext3ck: -y is mutually exclusive with -n")
	case *fPreen:
		return problem.Preen{Log: log}, nil
	case *fAssumeYes:
		return problem.AssumeYes{Log: log}, nil
	case *fAssumeNo:
		return problem.AssumeNo{Log: log}, nil
	default:
		return problem.NewTerminal(os.Stdin, os.Stdout, log), nil
	}
}

func verbosityLevel(count int) slog.Level {
	switch count {
	case 0:
		return slog.LevelWarn
	case 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// watchVerbosity re-levels the running logger on SIGTTIN/SIGTTOU,
// following cli/commands/global.go's setup(): SIGTTIN raises
// verbosity, SIGTTOU lowers it, clamped to the Debug/Error bounds.
func watchVerbosity(ctx context.Context, levelVar *slog.LevelVar, log *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGTTIN, unix.SIGTTOU)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				target := levelVar.Level()
				switch sig {
				case unix.SIGTTIN:
					target -= 4
				case unix.SIGTTOU:
					target += 4
				}
				if target < slog.LevelDebug || target > slog.LevelError {
					continue
				}
				levelVar.Set(target)
				log.Info("log level changed via signal", "level", target)
			}
		}
	}()
}

func serveMetrics(addr string, metrics *gaugeMetrics, log *slog.Logger) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.Collector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn("metrics server exited", "error", err)
		}
	}()
}
