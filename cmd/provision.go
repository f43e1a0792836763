package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/relay/internal/transport/kafka"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var provisionTimeout time.Duration

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create Kafka topics for configured event types and their consumer groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}

		auth, err := kafka.ResolveAuth(cfg.Kafka)
		if err != nil {
			return err
		}
		topology := kafka.NameTopology{Prefix: cfg.Kafka.TopicPrefix}
		p := kafka.NewProvisioner(
			kafka.NewAdminClient(auth, cfg.Kafka.AdminAddr),
			cfg.Kafka.Partitions,
			cfg.Kafka.ReplicationFactor,
			log.Named("provision"),
		)

		ctx, cancel := context.WithTimeout(cmd.Context(), provisionTimeout)
		defer cancel()

		for _, et := range cfg.Outbox.EventTypes {
			et = strings.TrimSpace(et)
			if et == "" {
				continue
			}
			topic := topology.TopicFor(et)
			if err := p.Provision(ctx, topic, ""); err != nil {
				return fmt.Errorf("provision %s: %w", et, err)
			}
			for _, group := range cfg.Kafka.ConsumerGroups {
				sub := topology.SubscriptionFor(topic, group)
				if err := p.Provision(ctx, topic, sub); err != nil {
					return fmt.Errorf("provision %s for %s: %w", et, group, err)
				}
				log.Info("subscription ready", zap.String("topic", topic), zap.String("group", sub))
			}
		}
		return nil
	},
}

func init() {
	provisionCmd.Flags().DurationVar(&provisionTimeout, "timeout", time.Minute, "overall provisioning timeout")
}
