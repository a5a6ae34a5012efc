package main

import (
	"context"

	"github.com/jingkaihe/skillbox/pkg/telemetry"
	"github.com/jingkaihe/skillbox/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// initTracing starts the OTLP exporter when tracing.enabled is set.
func initTracing(ctx context.Context, tc telemetry.Config) (func(context.Context) error, error) {
	tc.ServiceVersion = version.Get().Version
	return telemetry.InitTracer(ctx, tc)
}

// sensitiveFlags are never recorded as span attributes.
var sensitiveFlags = map[string]bool{
	"stdin": true,
}

// withTracing wraps a command's RunE in a cli.command span.
func withTracing(cmd *cobra.Command) *cobra.Command {
	originalRunE := cmd.RunE

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		attrs := []attribute.KeyValue{
			attribute.String("command.name", cmd.Name()),
			attribute.String("command.path", cmd.CommandPath()),
			attribute.Int("args.count", len(args)),
		}
		if len(args) > 0 {
			attrs = append(attrs, attribute.String("skill.name", args[0]))
		}
		cmd.Flags().Visit(func(flag *pflag.Flag) {
			if !sensitiveFlags[flag.Name] {
				attrs = append(attrs, attribute.String("flag."+flag.Name, flag.Value.String()))
			}
		})

		ctx, span := telemetry.Tracer().Start(cmd.Context(), "cli.command", trace.WithAttributes(attrs...))
		defer span.End()
		cmd.SetContext(ctx)

		err := originalRunE(cmd, args)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}

	return cmd
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.Bool("tracing-enabled", false, "Enable OpenTelemetry tracing")
	flags.String("tracing-sampler", "always", "Tracing sampler type (always, never, ratio)")
	flags.Float64("tracing-ratio", 1, "Sampling ratio when using the ratio sampler")

	viper.BindPFlag("tracing.enabled", flags.Lookup("tracing-enabled"))
	viper.BindPFlag("tracing.sampler", flags.Lookup("tracing-sampler"))
	viper.BindPFlag("tracing.sampler_ratio", flags.Lookup("tracing-ratio"))
}
