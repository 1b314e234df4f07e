// idcscim pushes locally declared users and groups into an AWS Identity
// Center directory over SCIM, one way only.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/jief123/aws-idc-scim/config"
	"github.com/jief123/aws-idc-scim/scim"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}
	switch args[0] {
	case "user":
		return runUser(args[1:])
	case "group":
		return runGroup(args[1:])
	case "external-id":
		return runExternalId(args[1:])
	case "import-csv":
		return runImportCSV(args[1:])
	case "sync":
		return runSync(args[1:])
	case "serve":
		return runServe(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return 0
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
	printUsage()
	return 2
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage: idcscim <command> [arguments]

  user list|get|create|update|delete|sync      manage users
  group list|create|delete|members|            manage groups and membership
        add-member|remove-member|
        clear-members|sync
  external-id list|set|find                    manage user externalId values
  import-csv <file>                            merge CSV rows into a groups file
  sync                                         reconcile users and groups together
  serve                                        run the REST facade

Sync commands accept --policy incremental|full|full-delete and --dry-run.
Configuration comes from scim-config.toml (see --config) or the
SCIM_ENDPOINT / SCIM_TOKEN environment variables.
`)
}

// app bundles what every command needs once flags are parsed.
type app struct {
	cfg    config.Config
	log    zerolog.Logger
	client *scim.Client
}

// addCommonFlags registers the flags shared by every command.
func addCommonFlags(fs *pflag.FlagSet) (configPath *string, logLevel *string) {
	configPath = fs.String("config", config.DefaultPath, "configuration file")
	logLevel = fs.String("log-level", "", "override the configured log level")
	return
}

func newApp(configPath string, logLevel string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	var log = newLogger(logLevel)
	client, err := scim.NewClient(cfg.ClientConfig(log))
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, client: client}, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(output).Level(lvl).With().Timestamp().Logger()
}

func fatal(err error) int {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
