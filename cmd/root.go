package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superturtle41/FrogBot/frogbot"
)

var (
	cfg        = frogbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "frogbot [flags]",
	Short: "Discord bot for DM categories and character sheet approvals",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO...) into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(strings.ToUpper(data.(string)))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command, canceling its context on SIGINT,
// SIGTERM or SIGHUP
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		log.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", frogbot.DefaultDatabase)
	viper.SetDefault("database_type", frogbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", frogbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", frogbot.DefaultDatabaseLogLevel.String())

	viper.SetDefault("runtime_config_ttl", frogbot.DefaultRuntimeConfigTTL)
	viper.SetDefault("log_level", frogbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", frogbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", frogbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.owner_ids", []string{})
	viper.SetDefault("discord.log_level", frogbot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", frogbot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", frogbot.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", frogbot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.requests_per_second", frogbot.DefaultDiscordRequestsPerSecond)
	viper.SetDefault("discord.confirmation_timeout", frogbot.DefaultDiscordConfirmationTimeout)
	viper.SetDefault("discord.register_commands", true)

	// API config
	viper.SetDefault("api.listen", frogbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", frogbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.session_max_age", frogbot.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", frogbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", frogbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", frogbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", frogbot.DefaultIdleTimeout)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", frogbot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", frogbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", frogbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", frogbot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", frogbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", frogbot.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(frogbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = frogbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// env values come in as space separated strings
	for _, key := range []string{
		"discord.owner_ids",
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		// already converted by an earlier initConfig in this process
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits // cobra
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
