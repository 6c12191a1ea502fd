package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superturtle41/FrogBot/frogbot"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

// resetViper clears global viper state and the --config flag before and
// after the test, so commands executed by earlier tests don't leak
// overrides into later ones.
func resetViper(t testing.TB) {
	t.Helper()
	reset := func() {
		viper.Reset()
		configFile = ""
	}
	reset()
	t.Cleanup(reset)
}

func TestInitConfig_RunTwice(t *testing.T) {
	resetViper(t)
	t.Setenv("FB_LOG_LEVEL", "ERROR")
	t.Setenv("FB_API_LOG_LEVEL", "DEBUG")

	initConfig()
	assertLogLevel(t, slog.LevelError, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))

	// a second pass sees the *slog.LevelVar overrides from the first
	require.NotPanics(t, initConfig)
	assertLogLevel(t, slog.LevelError, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assertLogLevel(t, frogbot.DefaultDatabaseLogLevel, viper.Get("database_log_level"))
	assertLogLevel(t, frogbot.DefaultDiscordLogLevel, viper.Get("discord.log_level"))
}

func TestExecute_Twice(t *testing.T) {
	resetViper(t)
	t.Setenv("FB_DATABASE_LOG_LEVEL", "WARN")
	rootCmd.SetOut(io.Discard)
	rootCmd.SetErr(io.Discard)
	t.Cleanup(
		func() {
			rootCmd.SetOut(nil)
			rootCmd.SetErr(nil)
		},
	)

	for range 2 {
		rootCmd.SetArgs([]string{"version"})
		require.NoError(t, rootCmd.Execute())
		assertLogLevel(t, slog.LevelWarn, viper.Get("database_log_level"))
	}
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	resetViper(t)
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()

	envFile := filepath.Join(t.TempDir(), "test.env")
	envContent := `
# General/database config

FB_DATABASE=/home/foo/frogbot.sqlite3
FB_DATABASE_TYPE=sqlite
FB_DATABASE_LOG_LEVEL=INFO
FB_DATABASE_SLOW_THRESHOLD=200ms
FB_LOG_LEVEL=INFO
FB_STARTUP_TIMEOUT=30s
FB_SHUTDOWN_TIMEOUT=60s
FB_RUNTIME_CONFIG_TTL=1m

# Discord bot config

FB_DISCORD_TOKEN=your-discord-bot-token
FB_DISCORD_APPLICATION_ID=your-discord-bot-app-id
FB_DISCORD_GUILD_ID=
FB_DISCORD_OWNER_IDS=111111111111111111 222222222222222222
FB_DISCORD_LOG_LEVEL=WARN
FB_DISCORD_DISCORDGO_LOG_LEVEL=WARN
FB_DISCORD_STARTUP_MESSAGE="Ribbit!"
FB_DISCORD_GATEWAY_INTENTS=46595
FB_DISCORD_REQUESTS_PER_SECOND=2.5
FB_DISCORD_CONFIRMATION_TIMEOUT=45s

# API server

FB_API_LISTEN=127.0.0.1:5000
FB_API_SSL_CERT=/etc/ssl/cert.pem
FB_API_SSL_KEY=/etc/ssl/key.pem
FB_API_SSL_TLS_MIN_VERSION=771
FB_API_SECRET=your-api-secret
FB_API_LOG_LEVEL=DEBUG
FB_API_DEVELOPMENT=true
FB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
FB_API_CORS_ALLOW_METHODS=GET POST PUT PATCH
FB_API_CORS_ALLOW_CREDENTIALS=true
FB_API_CORS_MAX_AGE=12h
FB_API_SESSION_MAX_AGE=6h
`
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0o644))

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/frogbot.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)

	// the root command's pre-run decodes into the package config
	assert.Equal(t, "/home/foo/frogbot.sqlite3", cfg.Database)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())

	var config frogbot.Config
	err := viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	require.NoError(t, err)

	assert.Equal(t, "/home/foo/frogbot.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.Equal(t, time.Minute, config.RuntimeConfigTTL)

	require.NotNil(t, config.Discord)
	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(
		t,
		[]string{"111111111111111111", "222222222222222222"},
		config.Discord.OwnerIDs,
	)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, "Ribbit!", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(46595), config.Discord.GatewayIntents)
	assert.InDelta(t, 2.5, config.Discord.RequestsPerSecond, 0.001)
	assert.Equal(t, 45*time.Second, config.Discord.ConfirmationTimeout)
	assert.True(t, config.Discord.RegisterCommands)

	require.NotNil(t, config.API)
	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.True(t, config.API.Development)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(t, []string{"GET", "POST", "PUT", "PATCH"}, config.API.CORS.AllowMethods)
	assert.True(t, config.API.CORS.AllowCredentials)
	assert.Equal(t, 12*time.Hour, config.API.CORS.MaxAge)
	assert.Equal(t, 6*time.Hour, config.API.SessionMaxAge)
	assert.Equal(t, frogbot.DefaultReadTimeout, config.API.ReadTimeout)
}

func TestLevelToStringHookFunc(t *testing.T) {
	type target struct {
		Level *slog.LevelVar `mapstructure:"level"`
	}

	tests := []struct {
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{input: "DEBUG", expected: slog.LevelDebug},
		{input: "info", expected: slog.LevelInfo},
		{input: "WARN", expected: slog.LevelWarn},
		{input: "ERROR", expected: slog.LevelError},
		{input: "LOUD", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				var out target
				decoder, err := mapstructure.NewDecoder(
					&mapstructure.DecoderConfig{
						DecodeHook: LevelToStringHookFunc(),
						Result:     &out,
					},
				)
				require.NoError(t, err)

				err = decoder.Decode(map[string]any{"level": tc.input})
				if tc.wantErr {
					assert.Error(t, err)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.expected, out.Level.Level())
			},
		)
	}
}
