package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/agaabrieel/snark/pkg/log"
)

const (
	MinPort = 6881
	MaxPort = 6889
)

var ErrUsage = errors.New("usage error")

type Config struct {
	// Target is the url, torrent file, file or directory to work on.
	Target string
	// Share is the address or host name the embedded tracker is announced
	// on. Empty means we only download.
	Share string
	// Port is the exact port to listen on; zero scans MinPort..MaxPort.
	Port    int
	MinPort int
	MaxPort int

	// DataDir is where downloaded files are stored.
	DataDir string

	FetchTimeout    time.Duration
	AnnounceTimeout time.Duration
	RetryMin        time.Duration
	RetryMax        time.Duration
	MonitorPeriod   time.Duration

	Verbosity  int
	NoCommands bool
}

func Default() Config {
	return Config{
		MinPort:         MinPort,
		MaxPort:         MaxPort,
		DataDir:         ".",
		FetchTimeout:    30 * time.Second,
		AnnounceTimeout: 30 * time.Second,
		RetryMin:        5 * time.Second,
		RetryMax:        30 * time.Minute,
		MonitorPeriod:   time.Minute,
		Verbosity:       log.Notice,
	}
}

// Sharing reports whether an embedded tracker should be started.
func (c Config) Sharing() bool {
	return c.Share != ""
}

func (c Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("%w: need exactly one <url>, <file> or <dir>", ErrUsage)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrUsage, c.Port)
	}
	if c.MinPort <= 0 || c.MaxPort > 65535 || c.MinPort > c.MaxPort {
		return fmt.Errorf("%w: invalid port range %d-%d", ErrUsage, c.MinPort, c.MaxPort)
	}
	if c.Verbosity < log.Quiet || c.Verbosity > log.All {
		return fmt.Errorf("%w: debug level must be between %d and %d", ErrUsage, log.Quiet, log.All)
	}
	return nil
}

// debugFlag accepts a bare --debug as well as --debug=N.
type debugFlag struct {
	level *int
}

func (f debugFlag) String() string {
	if f.level == nil {
		return ""
	}
	return strconv.Itoa(*f.level)
}

func (f debugFlag) Set(s string) error {
	if s == "true" {
		*f.level = log.Info
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("debug level must be a non-negative number")
	}
	*f.level = n
	return nil
}

func (f debugFlag) IsBoolFlag() bool {
	return true
}

// Parse reads the command line (without the program name). Options come
// before the single target; "--debug 5" is read as a level when the next
// argument is a number.
func Parse(args []string, output io.Writer) (Config, error) {

	cfg := Default()

	fs := flag.NewFlagSet("snark", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Var(debugFlag{&cfg.Verbosity}, "debug", fmt.Sprintf("how much debug detail to show (defaults to %d, %d when given without a level, highest is %d)", log.Notice, log.Info, log.All))
	fs.IntVar(&cfg.Port, "port", 0, fmt.Sprintf("the port to listen on for incoming connections (defaults to the first free port between %d-%d)", MinPort, MaxPort))
	fs.StringVar(&cfg.Share, "share", "", "start the torrent tracker on this ip address or host name")
	fs.BoolVar(&cfg.NoCommands, "no-commands", false, "don't read interactive commands or show usage info")
	fs.StringVar(&cfg.DataDir, "dir", cfg.DataDir, "directory downloaded files are stored in")

	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: snark [--debug [level]] [--no-commands] [--port <port>]")
		fmt.Fprintln(fs.Output(), "             [--share (<ip>|<host>)] (<url>|<file>|<dir>)")
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output(), "  <url>   URL pointing to .torrent metainfo file to download/share.")
		fmt.Fprintln(fs.Output(), "  <file>  Either a local .torrent metainfo file to download")
		fmt.Fprintln(fs.Output(), "          or (with --share) a file to share.")
		fmt.Fprintln(fs.Output(), "  <dir>   A directory with files to share (needs --share).")
	}

	if err := fs.Parse(joinDebugLevel(args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, err
		}
		return cfg, fmt.Errorf("%w: %w", ErrUsage, err)
	}

	rest := fs.Args()
	if len(rest) != 1 {
		if len(rest) > 1 && strings.HasPrefix(rest[1], "-") {
			fs.Usage()
			return cfg, fmt.Errorf("%w: unknown option '%s'", ErrUsage, rest[1])
		}
		fs.Usage()
		return cfg, fmt.Errorf("%w: need exactly one <url>, <file> or <dir>", ErrUsage)
	}
	cfg.Target = rest[0]

	if err := cfg.Validate(); err != nil {
		fs.Usage()
		return cfg, err
	}

	return cfg, nil
}

// joinDebugLevel rewrites "--debug N" into "--debug=N" so the optional level
// survives the flag package.
func joinDebugLevel(args []string) []string {

	out := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			return append(out, args[i:]...)
		}
		if (a == "--debug" || a == "-debug") && i+1 < len(args) {
			if n, err := strconv.Atoi(args[i+1]); err == nil && n >= 0 {
				out = append(out, a+"="+args[i+1])
				i++
				continue
			}
		}
		out = append(out, a)
	}

	return out
}
