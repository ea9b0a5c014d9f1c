package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/sarchlab/shukuba/fed"
	"github.com/sarchlab/shukuba/relay"
)

var (
	schedulerParentRole string
	schedulerChildRole  string
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run a middle-tier scheduler.",
	Long: `scheduler joins the manifest's "parent" role as a child of the ` +
		`server group and masters the "child" role's client group, ` +
		`bridging the two through its relay queues.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runScheduler(); err != nil {
			log.Fatalf("Error: %v", err)
		}
	},
}

func runScheduler() error {
	deployment, err := loadManifest()
	if err != nil {
		return err
	}

	parentEp, err := deployment.Endpoint(schedulerParentRole)
	if err != nil {
		return err
	}

	childEp, err := deployment.Endpoint(schedulerChildRole)
	if err != nil {
		return err
	}

	logger := processLogger("scheduler")

	parentGroup, err := buildGroup("Cluster", parentEp, logger)
	if err != nil {
		return err
	}

	childGroup, err := buildGroup("Cell", childEp, logger)
	if err != nil {
		return err
	}

	builder := relay.MakeSchedulerBuilder().
		WithParentGroup(parentGroup).
		WithChildGroup(childGroup).
		WithLogger(logger)
	if deployment.QueueCapacity > 0 {
		builder = builder.WithQueueCapacity(deployment.QueueCapacity)
	}

	s := builder.Build("Scheduler")

	up, down := s.Queues()
	instrument(up, logger)
	instrument(down, logger)

	watch(s, logger, up, down)

	return fed.Run(s)
}

func init() {
	schedulerCmd.Flags().StringVar(&schedulerParentRole, "parent-role",
		"parent", "manifest role of the scheduler in the server group")
	schedulerCmd.Flags().StringVar(&schedulerChildRole, "child-role",
		"child", "manifest role of the scheduler in its client group")

	rootCmd.AddCommand(schedulerCmd)
}
