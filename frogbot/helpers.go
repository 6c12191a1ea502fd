package frogbot

import (
	"context"
	"log/slog"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

type contextKey string

const loggerContextKey contextKey = "logger"

type optionMap map[string]*discordgo.ApplicationCommandInteractionDataOption

// subcommandOptions flattens a slash command invocation into the
// subcommand name (empty for commands without one) and its options.
func subcommandOptions(data discordgo.ApplicationCommandInteractionData) (string, optionMap) {
	var subcommand string
	opts := data.Options
	if len(opts) > 0 && opts[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		subcommand, opts = opts[0].Name, opts[0].Options
	}
	m := make(optionMap, len(opts))
	for _, o := range opts {
		m[o.Name] = o
	}
	return subcommand, m
}

// structToSlogValue renders a struct as a slog group keyed by json tag.
// Fields tagged `json:"-"` and empty values are left out, and a `log`
// tag replaces the field's value (`log:"[redacted]"`).
func structToSlogValue(v any) slog.Value {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	typ := val.Type()
	attrs := make([]slog.Attr, 0, typ.NumField())
	for i := range typ.NumField() {
		field := typ.Field(i)
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		switch {
		case name == "-", !field.IsExported():
			continue
		case name == "":
			name = field.Name
		}
		if redacted, ok := field.Tag.Lookup("log"); ok && redacted != "" {
			attrs = append(attrs, slog.String(name, redacted))
			continue
		}
		fv := val.Field(i)
		if isEmptyValue(fv) {
			continue
		}
		attrs = append(attrs, slog.Attr{Key: name, Value: structToSlogValue(fv.Interface())})
	}
	return slog.GroupValue(attrs...)
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	case reflect.Map, reflect.Slice:
		return v.Len() == 0
	case reflect.String:
		return v.Len() == 0
	}
	return false
}

// WithLogger returns ctx carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns the logger carried by ctx, if any.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	attrs := []any{"id", i.ID, "type", i.Type.String()}
	for _, kv := range [][2]string{
		{"channel_id", i.ChannelID},
		{"guild_id", i.GuildID},
		{"app_id", i.AppID},
	} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	return attrs
}

// truncate cuts s to at most n runes
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// parsePositivity interprets a yes/no style reply. ok is false when the
// reply is neither.
func parsePositivity(s string) (value bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "t", "1":
		return true, true
	case "no", "n", "false", "f", "0":
		return false, true
	default:
		return false, false
	}
}
