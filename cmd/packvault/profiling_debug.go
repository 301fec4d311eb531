//go:build debug || profile

package main

import (
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/repository"
)

func registerProfiling(cmd *cobra.Command) {
	var profiler profiler

	origPreRun := cmd.PersistentPreRunE
	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if origPreRun != nil {
			if err := origPreRun(cmd, args); err != nil {
				return err
			}
		}
		return profiler.Start(globalOptions.stderr)
	}

	// PersistentPostRunE is skipped when the command fails
	cobra.OnFinalize(func() {
		profiler.Stop()
	})

	profiler.opts.AddFlags(cmd.PersistentFlags())
}

type profileOptions struct {
	listen    string
	memPath   string
	cpuPath   string
	tracePath string
	blockPath string
	insecure  bool
}

func (opts *profileOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&opts.listen, "listen-profile", "", "listen on this `address:port` for memory profiling")
	f.StringVar(&opts.memPath, "mem-profile", "", "write memory profile to `dir`")
	f.StringVar(&opts.cpuPath, "cpu-profile", "", "write cpu profile to `dir`")
	f.StringVar(&opts.tracePath, "trace-profile", "", "write trace to `dir`")
	f.StringVar(&opts.blockPath, "block-profile", "", "write block profile to `dir`")
	f.BoolVar(&opts.insecure, "insecure-kdf", false, "use insecure KDF settings")
}

func (opts profileOptions) enabled() int {
	n := 0
	for _, path := range []string{opts.memPath, opts.cpuPath, opts.tracePath, opts.blockPath} {
		if path != "" {
			n++
		}
	}
	return n
}

type profiler struct {
	opts profileOptions
	stop interface {
		Stop()
	}
}

type stderrLogger struct {
	w io.Writer
}

func (l stderrLogger) Logf(msg string, args ...interface{}) {
	_, _ = fmt.Fprintf(l.w, msg+"\n", args...)
}

func (p *profiler) Start(stderr io.Writer) error {
	opts := p.opts
	if opts.listen != "" {
		_, _ = fmt.Fprintf(stderr, "running profile HTTP server on %v\n", opts.listen)
		go func() {
			err := http.ListenAndServe(opts.listen, nil)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "profile HTTP server listen failed: %v\n", err)
			}
		}()
	}

	if opts.enabled() > 1 {
		return errors.Fatal("only one profile (memory, CPU, trace, or block) may be activated at the same time")
	}

	switch {
	case opts.memPath != "":
		p.stop = profile.Start(profile.Quiet, profile.NoShutdownHook, profile.MemProfile, profile.ProfilePath(opts.memPath))
	case opts.cpuPath != "":
		p.stop = profile.Start(profile.Quiet, profile.NoShutdownHook, profile.CPUProfile, profile.ProfilePath(opts.cpuPath))
	case opts.tracePath != "":
		p.stop = profile.Start(profile.Quiet, profile.NoShutdownHook, profile.TraceProfile, profile.ProfilePath(opts.tracePath))
	case opts.blockPath != "":
		p.stop = profile.Start(profile.Quiet, profile.NoShutdownHook, profile.BlockProfile, profile.ProfilePath(opts.blockPath))
	}

	if opts.insecure {
		repository.TestUseLowSecurityKDFParameters(stderrLogger{stderr})
	}

	return nil
}

func (p *profiler) Stop() {
	if p.stop != nil {
		p.stop.Stop()
	}
}
