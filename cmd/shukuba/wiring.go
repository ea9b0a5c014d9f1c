package main

import (
	"log"
	"os"
	"strings"

	"github.com/sarchlab/shukuba/config"
	"github.com/sarchlab/shukuba/datarecording"
	"github.com/sarchlab/shukuba/fed"
	"github.com/sarchlab/shukuba/monitoring"
	"github.com/sarchlab/shukuba/transport"
	"github.com/sarchlab/shukuba/util"
)

func processLogger(role string) *log.Logger {
	return log.New(os.Stderr, role+" ", log.LstdFlags|log.Lmsgprefix)
}

// loadManifest pulls the .env overrides in and parses the manifest every
// subcommand starts from.
func loadManifest() (config.Deployment, error) {
	if err := config.LoadEnv(); err != nil {
		return config.Deployment{}, err
	}

	return config.LoadDeployment(configPath)
}

// buildGroup joins the group one manifest role describes and instruments
// it as the persistent flags ask.
func buildGroup(
	name string,
	ep config.Endpoint,
	logger *log.Logger,
) (*transport.TCPGroup, error) {
	g, err := transport.MakeTCPGroupBuilder().
		WithRank(fed.Rank(ep.Rank)).
		WithWorldSize(ep.WorldSize).
		WithMasterAddr(ep.Addr).
		WithLogger(logger).
		Build(name)
	if err != nil {
		return nil, err
	}

	instrument(g, logger)

	return g, nil
}

var tracer *datarecording.EnvelopeTracer

// instrument attaches the verbose log hook and the trace recorder to one
// hookable. Hooks must be attached before any traffic flows.
func instrument(h fed.Hookable, logger *log.Logger) {
	if verbose {
		h.AcceptHook(util.NewEnvelopeLogger(logger))
	}

	if recordSpec == "" {
		return
	}

	if tracer == nil {
		tracer = datarecording.NewEnvelopeTracer(openRecorder(recordSpec))
	}

	h.AcceptHook(tracer)
}

func openRecorder(spec string) datarecording.DataRecorder {
	if strings.HasPrefix(spec, "clickhouse://") {
		return datarecording.NewDataRecorderWithConfig(
			datarecording.RecorderConfig{
				Type:    "clickhouse",
				ConnStr: spec,
			})
	}

	return datarecording.New(spec)
}

// watch serves the monitoring dashboard over the participant when the
// --monitor flag asks for it.
func watch(p fed.Participant, logger *log.Logger, queues ...*fed.Queue) {
	if monitorPort == 0 {
		return
	}

	m := monitoring.NewMonitor().
		WithPortNumber(monitorPort).
		WithLogger(logger)

	m.RegisterParticipant(p)
	for _, q := range queues {
		m.RegisterQueue(q)
	}

	m.StartServer()
}
