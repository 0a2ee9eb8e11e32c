// Package main is the entry point for modbusctl, a command line client for
// Modbus TCP devices described by a gateway config file and tag maps.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nexus-edge/modbus-gateway/internal/adapter/config"
	"github.com/nexus-edge/modbus-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/modbus-gateway/internal/metrics"
	"github.com/nexus-edge/modbus-gateway/pkg/logging"
)

const (
	serviceName    = "modbusctl"
	serviceVersion = "1.0.0"
)

// app carries state shared by subcommands once the root pre-run has loaded config.
type app struct {
	out        io.Writer
	cfgFile    string
	clientName string
	timeout    time.Duration
	logLevel   string

	cfg      *config.Config
	logger   zerolog.Logger
	promReg  *prometheus.Registry
	metrics  *metrics.Registry
	dialOpts []modbus.ClientOption
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer, clientOptions ...modbus.ClientOption) *cobra.Command {
	a := &app{out: out, dialOpts: clientOptions}

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Read, write and poll Modbus TCP tags",
		Version:       serviceVersion,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg

			logCfg := cfg.Logging.LogConfig()
			if a.logLevel != "" {
				logCfg.Level = a.logLevel
			}
			if logCfg.Output == "" || logCfg.Output == "stdout" {
				// stdout carries command output
				logCfg.Output = "stderr"
			}
			a.logger = logging.NewWithConfig(serviceName, serviceVersion, logCfg)

			a.promReg = prometheus.NewRegistry()
			a.metrics = metrics.NewRegistry(a.promReg)
			return nil
		},
	}

	root.SetOut(out)
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default ./config.yaml)")
	root.PersistentFlags().StringVar(&a.clientName, "client", "", "client name (default: the only configured client)")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 10*time.Second, "overall timeout for read and write commands")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newReadCmd(a),
		newWriteCmd(a),
		newTagsCmd(a),
		newPollCmd(a),
	)
	return root
}

// selectClient resolves --client, defaulting to the single configured client.
func (a *app) selectClient() (string, error) {
	if a.clientName != "" {
		name := strings.ToLower(a.clientName)
		if _, err := a.cfg.Client(name); err != nil {
			return "", err
		}
		return name, nil
	}

	names := a.cfg.ClientNames()
	switch len(names) {
	case 0:
		return "", fmt.Errorf("no clients configured")
	case 1:
		return names[0], nil
	default:
		return "", fmt.Errorf("%d clients configured, choose one with --client", len(names))
	}
}

// newFactory registers the named clients with their tag maps.
func (a *app) newFactory(names ...string) (*modbus.Factory, error) {
	factory := modbus.NewFactory(a.cfg.Factory, a.logger, a.metrics, a.dialOpts...)

	for _, name := range names {
		cc := a.cfg.Clients[name]
		tags, err := config.LoadTags(cc.TagsPath)
		if err != nil {
			_ = factory.Close()
			return nil, fmt.Errorf("client %s: %w", name, err)
		}
		if _, err := factory.Register(name, cc.ClientOptions, tags); err != nil {
			_ = factory.Close()
			return nil, err
		}
	}
	return factory, nil
}
