package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/faucetdb/datum/internal/config"
	"github.com/faucetdb/datum/internal/datum"
)

// app carries what every command needs once the root has loaded the
// configuration.
type app struct {
	v       *viper.Viper
	cfgFile string

	cfg    *config.Config
	logger *slog.Logger
}

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	return newRootCmd(version, commit, date).Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	a := &app{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "datum",
		Short: "Work with the relations, rows and functions of a datum endpoint",
		Long: `datum talks to a datum endpoint over HTTP or its event socket.

It reads and writes rows, calls database functions, watches change events,
and can serve a development endpoint over a local SQL database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ./datum.yaml)")
	flags.String("endpoint", "", "endpoint base URL")
	flags.String("session", "", "session token to send with requests")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("evented", "", "use the event socket: no, try or yes")

	a.v.BindPFlag("endpoint.url", flags.Lookup("endpoint"))
	a.v.BindPFlag("endpoint.session", flags.Lookup("session"))
	a.v.BindPFlag("logging.level", flags.Lookup("log-level"))
	a.v.BindPFlag("endpoint.evented", flags.Lookup("evented"))

	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newRowsCmd(a))
	cmd.AddCommand(newRowCmd(a))
	cmd.AddCommand(newInsertCmd(a))
	cmd.AddCommand(newUpdateCmd(a))
	cmd.AddCommand(newDeleteCmd(a))
	cmd.AddCommand(newFieldCmd(a))
	cmd.AddCommand(newCallCmd(a))
	cmd.AddCommand(newWatchCmd(a))
	cmd.AddCommand(newWidgetCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	cmd.AddCommand(newVersionCmd(version, commit, date))

	return cmd
}

// overrides lists the string settings that flags and DATUM_* variables can
// replace after the config file is read.
func overrides(cfg *config.Config) map[string]*string {
	return map[string]*string{
		"endpoint.url":            &cfg.Endpoint.URL,
		"endpoint.socket_url":     &cfg.Endpoint.SocketURL,
		"endpoint.evented":        &cfg.Endpoint.Evented,
		"endpoint.session_cookie": &cfg.Endpoint.SessionCookie,
		"logging.level":           &cfg.Logging.Level,
		"logging.format":          &cfg.Logging.Format,
		"server.host":             &cfg.Server.Host,
		"server.base_path":        &cfg.Server.BasePath,
		"server.driver":           &cfg.Server.Driver,
		"server.dsn":              &cfg.Server.DSN,
		"server.jwt_secret":       &cfg.Server.JWTSecret,
	}
}

// load finds the config file, reads it over the defaults and applies flag
// and environment overrides.
func (a *app) load(stderr io.Writer) error {
	v := a.v
	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	} else {
		v.SetConfigName("datum")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.datum")
	}
	v.SetEnvPrefix("DATUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	cfg := config.DefaultConfig()
	if path := v.ConfigFileUsed(); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	for key, dst := range overrides(cfg) {
		if v.IsSet(key) {
			// The file itself is not env-expanded by viper.
			*dst = os.ExpandEnv(v.GetString(key))
		}
	}
	if v.IsSet("server.port") {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.Logging.Logger(stderr)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// session returns the session token given by --session or DATUM_ENDPOINT_SESSION.
func (a *app) session() string {
	return a.v.GetString("endpoint.session")
}

// open connects a client database as configured.
func (a *app) open(ctx context.Context) (*datum.Database, error) {
	dcfg, err := a.cfg.Endpoint.Datum(a.logger)
	if err != nil {
		return nil, err
	}
	dcfg.SessionToken = a.session()
	return datum.Open(ctx, dcfg)
}
