package main

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/azure"
	"github.com/packvault/packvault/internal/backend/b2"
	"github.com/packvault/packvault/internal/backend/gs"
	"github.com/packvault/packvault/internal/backend/limiter"
	"github.com/packvault/packvault/internal/backend/local"
	"github.com/packvault/packvault/internal/backend/location"
	"github.com/packvault/packvault/internal/backend/rest"
	"github.com/packvault/packvault/internal/backend/s3"
	"github.com/packvault/packvault/internal/backend/sftp"
	"github.com/packvault/packvault/internal/backend/swift"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/options"
	"github.com/packvault/packvault/internal/terminal"
	"github.com/packvault/packvault/internal/ui/progress"
	"github.com/packvault/packvault/internal/ui/termstatus"
)

var version = "0.4.0-dev (compiled manually)"

// TimeFormat is used for every timestamp printed or parsed on the command line.
const TimeFormat = "2006-01-02 15:04:05"

// maxKeys bounds the number of keys tried when no key hint matches.
const maxKeys = 20

// Verbosity levels. --quiet selects verbosityQuiet, each --verbose adds one.
const (
	verbosityQuiet uint = iota
	verbosityNormal
	verbosityVerbose
	verbosityDebug
)

type backendWrapper func(r backend.Backend) (backend.Backend, error)

// GlobalOptions are the flags shared by all commands.
type GlobalOptions struct {
	Repo               string
	RepositoryFile     string
	PasswordFile       string
	PasswordCommand    string
	KeyHint            string
	Quiet              bool
	Verbose            int
	NoLock             bool
	RetryLock          time.Duration
	JSON               bool
	LogFile            string
	Profile            string
	InsecureNoPassword bool
	TreeCacheSize      int

	backend.TransportOptions
	limiter.Limits

	Options []string

	password  string
	verbosity uint
	extended  options.Options

	stdin   io.ReadCloser
	stdout  io.Writer
	stderr  io.Writer
	logFile *os.File
	term    *termstatus.Terminal

	backends        *location.Registry
	backendTestHook backendWrapper
}

var globalOptions = GlobalOptions{
	stdin:    os.Stdin,
	stdout:   os.Stdout,
	stderr:   os.Stderr,
	backends: collectBackends(),
}

func collectBackends() *location.Registry {
	r := location.NewRegistry()
	for _, f := range []location.Factory{
		azure.NewFactory(),
		b2.NewFactory(),
		gs.NewFactory(),
		local.NewFactory(),
		rest.NewFactory(),
		s3.NewFactory(),
		sftp.NewFactory(),
		swift.NewFactory(),
	} {
		r.Register(f)
	}
	return r
}

func (opts *GlobalOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVarP(&opts.Repo, "repo", "r", "", "`repository` to backup to or restore from (default: $PACKVAULT_REPOSITORY)")
	f.StringVar(&opts.RepositoryFile, "repository-file", "", "`file` to read the repository location from (default: $PACKVAULT_REPOSITORY_FILE)")
	f.StringVarP(&opts.PasswordFile, "password-file", "p", "", "`file` to read the repository password from (default: $PACKVAULT_PASSWORD_FILE)")
	f.StringVar(&opts.KeyHint, "key-hint", "", "`key` ID of key to try decrypting first (default: $PACKVAULT_KEY_HINT)")
	f.StringVar(&opts.PasswordCommand, "password-command", "", "shell `command` to obtain the repository password from (default: $PACKVAULT_PASSWORD_COMMAND)")
	f.BoolVar(&opts.InsecureNoPassword, "insecure-no-password", false, "use an empty password for the repository, must be passed to every packvault command (insecure)")
	f.StringVarP(&opts.Profile, "profile", "P", "", "load defaults from the TOML profile `name` or file (default: $PACKVAULT_PROFILE)")

	f.BoolVarP(&opts.Quiet, "quiet", "q", false, "do not output comprehensive progress report")
	// `-v, --verbose n` would read as if n were required
	f.CountVarP(&opts.Verbose, "verbose", "v", "be verbose (specify multiple times or a level using --verbose=n``, max level/times is 2)")
	f.StringVar(&opts.LogFile, "log-file", "", "also write all messages to `file`")
	f.BoolVar(&opts.JSON, "json", false, "set output mode to JSON for commands that support it")

	f.BoolVar(&opts.NoLock, "no-lock", false, "do not lock the repository, this allows some operations on read-only repositories")
	f.DurationVar(&opts.RetryLock, "retry-lock", 0, "retry to lock the repository if it is already locked, takes a value like 5m or 2h (default: no retries)")
	f.IntVar(&opts.TreeCacheSize, "tree-cache-size", 0, "`bytes` of decrypted trees kept in memory (default: 50 MiB)")
	f.StringSliceVarP(&opts.Options, "option", "o", []string{}, "set extended option (`key=value`, can be specified multiple times)")

	f.StringSliceVar(&opts.RootCertFilenames, "cacert", nil, "`file` to load root certificates from (default: use system certificates or $PACKVAULT_CACERT)")
	f.StringVar(&opts.TLSClientCertKeyFilename, "tls-client-cert", "", "path to a `file` containing PEM encoded TLS client certificate and private key (default: $PACKVAULT_TLS_CLIENT_CERT)")
	f.BoolVar(&opts.InsecureTLS, "insecure-tls", false, "skip TLS certificate verification when connecting to the repository (insecure)")
	f.StringVar(&opts.HTTPUserAgent, "http-user-agent", "", "set a http user agent for outgoing http requests")
	f.DurationVar(&opts.StuckRequestTimeout, "stuck-request-timeout", 5*time.Minute, "`duration` after which to retry stuck requests")
	f.IntVar(&opts.Limits.UploadKb, "limit-upload", 0, "limits uploads to a maximum `rate` in KiB/s. (default: unlimited)")
	f.IntVar(&opts.Limits.DownloadKb, "limit-download", 0, "limits downloads to a maximum `rate` in KiB/s. (default: unlimited)")

	opts.applyEnvironment(os.Getenv)
}

// applyEnvironment sets the defaults which come from environment variables.
// Flags given on the command line override them later.
func (opts *GlobalOptions) applyEnvironment(getenv func(string) string) {
	for name, dst := range map[string]*string{
		"PACKVAULT_REPOSITORY":       &opts.Repo,
		"PACKVAULT_REPOSITORY_FILE":  &opts.RepositoryFile,
		"PACKVAULT_PASSWORD_FILE":    &opts.PasswordFile,
		"PACKVAULT_PASSWORD_COMMAND": &opts.PasswordCommand,
		"PACKVAULT_KEY_HINT":         &opts.KeyHint,
		"PACKVAULT_PROFILE":          &opts.Profile,
		"PACKVAULT_TLS_CLIENT_CERT":  &opts.TLSClientCertKeyFilename,
		"PACKVAULT_HTTP_USER_AGENT":  &opts.HTTPUserAgent,
	} {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	if v := getenv("PACKVAULT_CACERT"); v != "" {
		opts.RootCertFilenames = strings.Split(v, ",")
	}
	// an invalid size keeps the default
	if n, err := strconv.Atoi(getenv("PACKVAULT_TREE_CACHE_SIZE")); err == nil {
		opts.TreeCacheSize = n
	}
}

func verbosityLevel(quiet bool, verbose int) (uint, error) {
	switch {
	case quiet && verbose > 0:
		return 0, errors.Fatal("--quiet and --verbose cannot be specified at the same time")
	case quiet:
		return verbosityQuiet, nil
	case verbose >= 2:
		return verbosityDebug, nil
	case verbose == 1:
		return verbosityVerbose, nil
	}
	return verbosityNormal, nil
}

// PreRun applies the profile and evaluates the global options. Command line
// flags take precedence over the profile, which takes precedence over the
// environment.
func (opts *GlobalOptions) PreRun(flags *pflag.FlagSet, command string, needsPassword bool) error {
	if opts.Profile != "" {
		if err := applyProfile(opts.Profile, command, flags); err != nil {
			return err
		}
	}

	var err error
	opts.verbosity, err = verbosityLevel(opts.Quiet, opts.Verbose)
	if err != nil {
		return err
	}

	if opts.LogFile != "" {
		opts.logFile, err = os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return errors.Fatalf("unable to open log file: %v", err)
		}
	}

	opts.extended, err = options.Parse(opts.Options)
	if err != nil {
		return err
	}

	if needsPassword {
		opts.password, err = resolvePassword(opts, "PACKVAULT_PASSWORD")
		if err != nil {
			return errors.Fatalf("Resolving password failed: %v", err)
		}
	}
	return nil
}

// Close releases the log file.
func (opts *GlobalOptions) Close() {
	if opts.logFile == nil {
		return
	}
	_ = opts.logFile.Close()
	opts.logFile = nil
}

// printer builds the printer for the selected verbosity. With --json stdout
// only carries JSON, so messages go to stderr. With --log-file every message
// is also appended to the log.
func (opts *GlobalOptions) printer() progress.Printer {
	stdout, stderr := opts.stdout, opts.stderr
	if opts.term != nil {
		stdout, stderr = opts.term.OutputWriter(), opts.term.ErrorWriter()
	}
	if opts.JSON {
		stdout = stderr
	}
	if opts.logFile != nil {
		stdout = io.MultiWriter(stdout, opts.logFile)
		stderr = io.MultiWriter(stderr, opts.logFile)
	}
	return progress.NewWriterPrinter(stdout, stderr, opts.verbosity, opts.progressInterval())
}

// progressInterval is zero unless progress can be redrawn on a terminal.
func (opts *GlobalOptions) progressInterval() time.Duration {
	if opts.JSON {
		return 0
	}
	f, ok := opts.stdout.(*os.File)
	if !ok || !terminal.OutputIsTerminal(f.Fd()) {
		return 0
	}
	return time.Second
}
