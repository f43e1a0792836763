package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Admin is the subset of *kafka.Client used for provisioning.
type Admin interface {
	Metadata(ctx context.Context, req *kafka.MetadataRequest) (*kafka.MetadataResponse, error)
	CreateTopics(ctx context.Context, req *kafka.CreateTopicsRequest) (*kafka.CreateTopicsResponse, error)
	DescribeGroups(ctx context.Context, req *kafka.DescribeGroupsRequest) (*kafka.DescribeGroupsResponse, error)
	ListOffsets(ctx context.Context, req *kafka.ListOffsetsRequest) (*kafka.ListOffsetsResponse, error)
	OffsetCommit(ctx context.Context, req *kafka.OffsetCommitRequest) (*kafka.OffsetCommitResponse, error)
}

// NewAdminClient builds the admin client. adminAddr routes admin calls to a
// separate endpoint (local emulators); empty means the data-plane brokers.
func NewAdminClient(auth Auth, adminAddr string) *kafka.Client {
	addrs := auth.Brokers
	if adminAddr != "" {
		addrs = []string{adminAddr}
	}
	return &kafka.Client{
		Addr:      kafka.TCP(addrs...),
		Transport: newTransport(auth),
	}
}

type Provisioner struct {
	admin             Admin
	partitions        int
	replicationFactor int
	log               *zap.Logger
}

func NewProvisioner(admin Admin, partitions, replicationFactor int, log *zap.Logger) *Provisioner {
	if partitions <= 0 {
		partitions = 1
	}
	if replicationFactor <= 0 {
		replicationFactor = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Provisioner{admin: admin, partitions: partitions, replicationFactor: replicationFactor, log: log}
}

// Provision makes sure topic exists and, when subscription is set, that the
// consumer group exists with offsets at the current end of the topic. Safe to
// call on every start; existing resources are never touched.
func (p *Provisioner) Provision(ctx context.Context, topic, subscription string) error {
	partitions, err := p.ensureTopic(ctx, topic)
	if err != nil {
		return err
	}
	if subscription == "" {
		return nil
	}
	return p.ensureGroup(ctx, topic, subscription, partitions)
}

func (p *Provisioner) lookupTopic(ctx context.Context, topic string) ([]int, bool, error) {
	md, err := p.admin.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{topic}})
	if err != nil {
		return nil, false, fmt.Errorf("metadata %s: %w", topic, err)
	}
	for _, t := range md.Topics {
		if t.Name != topic {
			continue
		}
		if t.Error != nil {
			if errors.Is(t.Error, kafka.UnknownTopicOrPartition) {
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("metadata %s: %w", topic, t.Error)
		}
		ids := make([]int, 0, len(t.Partitions))
		for _, part := range t.Partitions {
			ids = append(ids, part.ID)
		}
		return ids, true, nil
	}
	return nil, false, nil
}

func (p *Provisioner) ensureTopic(ctx context.Context, topic string) ([]int, error) {
	ids, ok, err := p.lookupTopic(ctx, topic)
	if err != nil || ok {
		return ids, err
	}

	res, err := p.admin.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             topic,
			NumPartitions:     p.partitions,
			ReplicationFactor: p.replicationFactor,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("create topic %s: %w", topic, err)
	}
	if cerr := res.Errors[topic]; cerr != nil && !errors.Is(cerr, kafka.TopicAlreadyExists) {
		return nil, fmt.Errorf("create topic %s: %w", topic, cerr)
	}
	p.log.Info("kafka topic created", zap.String("topic", topic), zap.Int("partitions", p.partitions))

	ids = make([]int, p.partitions)
	for i := range ids {
		ids[i] = i
	}
	return ids, nil
}

func (p *Provisioner) ensureGroup(ctx context.Context, topic, group string, partitions []int) error {
	res, err := p.admin.DescribeGroups(ctx, &kafka.DescribeGroupsRequest{GroupIDs: []string{group}})
	if err != nil {
		return fmt.Errorf("describe group %s: %w", group, err)
	}
	for _, g := range res.Groups {
		if g.GroupID == group && g.Error == nil && g.GroupState != "" && g.GroupState != "Dead" {
			return nil
		}
	}

	reqs := make([]kafka.OffsetRequest, 0, len(partitions))
	for _, id := range partitions {
		reqs = append(reqs, kafka.LastOffsetOf(id))
	}
	offs, err := p.admin.ListOffsets(ctx, &kafka.ListOffsetsRequest{Topics: map[string][]kafka.OffsetRequest{topic: reqs}})
	if err != nil {
		return fmt.Errorf("list offsets %s: %w", topic, err)
	}

	commits := make([]kafka.OffsetCommit, 0, len(partitions))
	for _, po := range offs.Topics[topic] {
		if po.Error != nil {
			return fmt.Errorf("list offsets %s[%d]: %w", topic, po.Partition, po.Error)
		}
		commits = append(commits, kafka.OffsetCommit{Partition: po.Partition, Offset: po.LastOffset})
	}

	// generation -1 with no member id is the standalone commit that creates an empty group
	cres, err := p.admin.OffsetCommit(ctx, &kafka.OffsetCommitRequest{
		GroupID:      group,
		GenerationID: -1,
		Topics:       map[string][]kafka.OffsetCommit{topic: commits},
	})
	if err != nil {
		return fmt.Errorf("create group %s: %w", group, err)
	}
	for _, parts := range cres.Topics {
		for _, part := range parts {
			if part.Error != nil {
				return fmt.Errorf("create group %s partition %d: %w", group, part.Partition, part.Error)
			}
		}
	}
	p.log.Info("kafka consumer group created", zap.String("group", group), zap.String("topic", topic))
	return nil
}
