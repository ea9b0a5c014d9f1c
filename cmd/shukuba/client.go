package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/sarchlab/shukuba/client"
	"github.com/sarchlab/shukuba/compensation"
	"github.com/sarchlab/shukuba/fed"
)

var (
	clientRole        string
	clientID          int64
	clientActive      bool
	clientRounds      int
	clientStep        float64
	clientDGC         bool
	clientDGCMomentum float64
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run a leaf client.",
	Long: `client joins the manifest's "client" role and serves its master ` +
		`with a smoke-test trainer that nudges every received value by a ` +
		`fixed step. Real deployments embed their own Trainer.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runClient(); err != nil {
			log.Fatalf("Error: %v", err)
		}
	},
}

func runClient() error {
	if clientID < 0 {
		return fmt.Errorf("--id must name a logical identity")
	}

	deployment, err := loadManifest()
	if err != nil {
		return err
	}

	ep, err := deployment.Endpoint(clientRole)
	if err != nil {
		return err
	}

	logger := processLogger(fmt.Sprintf("client-%d", clientID))

	group, err := buildGroup("Cell", ep, logger)
	if err != nil {
		return err
	}

	trainer := stepTrainer{step: float32(clientStep)}

	var memory compensation.Memory = compensation.None{}
	if clientDGC {
		memory = compensation.MakeDGCBuilder().
			WithMomentum(float32(clientDGCMomentum)).
			Build()
	}

	name := fed.BuildNameWithIndex("", "Client", int(clientID))

	var participant fed.Participant
	if clientActive {
		builder := client.MakeActiveBuilder().
			WithGroup(group).
			WithTrainer(trainer).
			WithID(fed.LogicalID(clientID)).
			WithCompensation(memory).
			WithLogger(logger)
		if clientRounds > 0 {
			builder = builder.WithRounds(clientRounds)
		}
		participant = builder.Build(name)
	} else {
		participant = client.MakePassiveBuilder().
			WithGroup(group).
			WithTrainer(trainer).
			WithID(fed.LogicalID(clientID)).
			WithCompensation(memory).
			WithLogger(logger).
			Build(name)
	}

	watch(participant, logger)

	return fed.Run(participant)
}

// A stepTrainer is the smoke-test computation of the client subcommand: it
// nudges every received value by a fixed step.
type stepTrainer struct {
	client.NopEvaluator
	step float32
}

func (t stepTrainer) Train(
	_ context.Context,
	params []fed.Tensor,
) ([]fed.Tensor, error) {
	out := make([]fed.Tensor, 0, len(params))
	for _, p := range params {
		values, err := p.Float32s()
		if err != nil {
			return nil, err
		}

		for i := range values {
			values[i] += t.step
		}

		out = append(out, fed.NewTensor(
			p.Name, fed.Float32, p.Shape, fed.PackFloat32s(values)))
	}

	return out, nil
}

func init() {
	clientCmd.Flags().StringVar(&clientRole, "role", "client",
		"manifest role the client joins")
	clientCmd.Flags().Int64Var(&clientID, "id", -1,
		"logical identity the client announces")
	clientCmd.Flags().BoolVar(&clientActive, "active", false,
		"pull work with parameter requests instead of waiting for it")
	clientCmd.Flags().IntVar(&clientRounds, "rounds", 0,
		"rounds an active client pulls before leaving, 0 meaning no bound")
	clientCmd.Flags().Float64Var(&clientStep, "step", 0.1,
		"step the smoke-test trainer adds to every value")
	clientCmd.Flags().BoolVar(&clientDGC, "dgc", false,
		"run deep gradient compression memory over the reported tensors")
	clientCmd.Flags().Float64Var(&clientDGCMomentum, "dgc-momentum", 0.9,
		"momentum of the DGC memory")

	rootCmd.AddCommand(clientCmd)
}
