package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/DPMI/libcap-utils-sub001/internal/config"
	"github.com/DPMI/libcap-utils-sub001/internal/metrics"
	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
	"github.com/DPMI/libcap-utils-sub001/pkg/filter"
	"github.com/DPMI/libcap-utils-sub001/pkg/log"
	"github.com/DPMI/libcap-utils-sub001/pkg/stream"
)

// pollInterval bounds blocking reads so interrupts are noticed.
const pollInterval = time.Second

// runtime holds what every tool sets up once its flags are known.
type runtime struct {
	cfg     *config.Config
	logger  log.Logger
	metrics *metrics.Server
}

// setup loads the configuration, applies the global flag overrides and
// starts the metrics exporter when enabled.
func setup(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if ifaceName != "" {
		cfg.Stream.Iface = ifaceName
	}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: log.New(cfg.LoggerConfig())}
	if cfg.Metrics.Enabled {
		rt.metrics = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, rt.logger)
		if err := rt.metrics.Start(ctx); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.metrics != nil {
		if err := rt.metrics.Stop(context.Background()); err != nil {
			rt.logger.WithError(err).Warn("failed to stop metrics server")
		}
	}
}

// streamOptions are the configured defaults for opened and created streams.
func (rt *runtime) streamOptions() stream.Options {
	return stream.Options{
		Iface:      rt.cfg.Stream.Iface,
		BufferSize: rt.cfg.Stream.BufferSize,
		MAMPid:     rt.cfg.Stream.MAMPid,
		Comment:    rt.cfg.Stream.Comment,
		Flush:      rt.cfg.Stream.Flush,
		MaxCaplen:  rt.cfg.Stream.MaxCaplen,
		Logger:     rt.logger,
	}
}

// parseFilterArgs takes the filter options out of args and parses what is
// left as the flags of cmd, which must have flag parsing disabled. It
// returns the filter and the positional arguments.
func parseFilterArgs(cmd *cobra.Command, args []string) (*filter.Filter, []string, error) {
	f, consumed, err := filter.Parse(args)
	if err != nil {
		return nil, nil, err
	}
	// pulls the persistent flags of the parents into cmd.Flags()
	cmd.InheritedFlags()
	if err := cmd.Flags().Parse(consumed.Remaining(args)); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", caperr.ErrInvalidArgument, err)
	}
	return f, cmd.Flags().Args(), nil
}

// wantsHelp reports whether --help was given to a command parsed by
// parseFilterArgs.
func wantsHelp(cmd *cobra.Command) bool {
	help, err := cmd.Flags().GetBool("help")
	return err == nil && help
}

// readMatching calls fn with every record accepted by m until the stream
// ends or ctx is done. A positive limit stops after that many records.
func readMatching(ctx context.Context, s *stream.Stream, m stream.Matcher, limit int, fn func(capfile.Packet) error) (int, error) {
	n := 0
	for limit <= 0 || n < limit {
		if ctx.Err() != nil {
			break
		}
		pkt, err := s.Read(pollInterval, m)
		if errors.Is(err, caperr.ErrTimeout) {
			continue
		}
		if errors.Is(err, caperr.ErrEndOfStream) {
			break
		}
		if err != nil {
			return n, err
		}
		n++
		if err := fn(pkt); err != nil {
			return n, err
		}
	}
	return n, nil
}
