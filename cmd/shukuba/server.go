package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/sarchlab/shukuba/fed"
	"github.com/sarchlab/shukuba/server"
)

var (
	serverAsync     bool
	serverRounds    int
	serverPerRound  int
	serverSeed      int64
	serverModelSize int
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the top-level server.",
	Long: `server joins the manifest's "server" role as the master of its ` +
		`group and drives the deployment with the reference FedAvg ` +
		`aggregation over a zero-initialized model vector. Real ` +
		`deployments embed their own Handler instead.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServer(); err != nil {
			log.Fatalf("Error: %v", err)
		}
	},
}

func runServer() error {
	deployment, err := loadManifest()
	if err != nil {
		return err
	}

	ep, err := deployment.Endpoint("server")
	if err != nil {
		return err
	}

	logger := processLogger("server")

	group, err := buildGroup("Server", ep, logger)
	if err != nil {
		return err
	}

	rounds := serverRounds
	if rounds == 0 {
		rounds = deployment.Rounds
	}
	if rounds == 0 {
		rounds = 1
	}

	handler := server.MakeFedAvgBuilder().
		WithModel(fed.NewFloat32Tensor(
			"model", make([]float32, serverModelSize))).
		WithClientsPerRound(serverPerRound).
		WithRounds(rounds).
		WithSeed(serverSeed).
		Build()

	var participant fed.Participant
	if serverAsync {
		participant = server.MakeAsyncBuilder().
			WithGroup(group).
			WithHandler(handler).
			WithLogger(logger).
			Build("Server")
	} else {
		participant = server.MakeSyncBuilder().
			WithGroup(group).
			WithHandler(handler).
			WithLogger(logger).
			Build("Server")
	}

	watch(participant, logger)

	return fed.Run(participant)
}

func init() {
	serverCmd.Flags().BoolVar(&serverAsync, "async", false,
		"serve parameters on demand instead of running lockstep rounds")
	serverCmd.Flags().IntVar(&serverRounds, "rounds", 0,
		"number of rounds, overriding the manifest")
	serverCmd.Flags().IntVar(&serverPerRound, "clients-per-round", 0,
		"clients sampled per round, 0 meaning all")
	serverCmd.Flags().Int64Var(&serverSeed, "seed", 0,
		"seed of the client sampler")
	serverCmd.Flags().IntVar(&serverModelSize, "model-size", 8,
		"number of values in the reference model vector")

	rootCmd.AddCommand(serverCmd)
}
