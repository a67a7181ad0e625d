// Package aws implements the instance provider on EC2.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/curfew/pkg/resource"
)

const nameTag = "Name"

// EC2API defines the EC2 operations used by the provider.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

// Provider lists and stops EC2 instances in one region.
type Provider struct {
	region    string
	ec2Client EC2API
}

// LoadConfig loads the shared AWS configuration for region. An empty
// profile uses the default credential chain.
func LoadConfig(ctx context.Context, region, profile string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// NewFromConfig creates a provider from a loaded AWS configuration.
func NewFromConfig(cfg aws.Config) *Provider {
	return New(ec2.NewFromConfig(cfg), cfg.Region)
}

// New creates a provider over client.
func New(client EC2API, region string) *Provider {
	return &Provider{region: region, ec2Client: client}
}

// ListRunning returns running instances matching every tag filter.
// Filters sharing a key match any of their values.
func (p *Provider) ListRunning(ctx context.Context, filters []resource.Tag) ([]resource.Instance, error) {
	var instances []resource.Instance
	paginator := ec2.NewDescribeInstancesPaginator(p.ec2Client, &ec2.DescribeInstancesInput{
		Filters: buildFilters(filters),
	})

	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}

		for _, reservation := range output.Reservations {
			for _, instance := range reservation.Instances {
				instances = append(instances, p.convertInstance(instance))
			}
		}
	}

	log.Debug().Str("region", p.region).Int("count", len(instances)).Msg("listed running instances")
	return instances, nil
}

// Stop requests a stop of instance id.
func (p *Provider) Stop(ctx context.Context, id string) error {
	output, err := p.ec2Client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return fmt.Errorf("stop instance %s: %w", id, err)
	}
	for _, change := range output.StoppingInstances {
		if change.CurrentState != nil {
			log.Info().
				Str("instance_id", aws.ToString(change.InstanceId)).
				Str("state", string(change.CurrentState.Name)).
				Msg("stop requested")
		}
	}
	return nil
}

func buildFilters(tags []resource.Tag) []ec2types.Filter {
	filters := []ec2types.Filter{{
		Name:   aws.String("instance-state-name"),
		Values: []string{string(ec2types.InstanceStateNameRunning)},
	}}

	index := make(map[string]int)
	for _, tag := range tags {
		name := "tag:" + tag.Key
		if i, ok := index[name]; ok {
			filters[i].Values = append(filters[i].Values, tag.Value)
			continue
		}
		index[name] = len(filters)
		filters = append(filters, ec2types.Filter{Name: aws.String(name), Values: []string{tag.Value}})
	}
	return filters
}

func (p *Provider) convertInstance(instance ec2types.Instance) resource.Instance {
	inst := resource.Instance{
		ID:         aws.ToString(instance.InstanceId),
		Region:     p.region,
		LaunchTime: aws.ToTime(instance.LaunchTime),
		Labels:     make(map[string]string, len(instance.Tags)),
	}
	if instance.State != nil {
		inst.State = string(instance.State.Name)
	}
	for _, tag := range instance.Tags {
		inst.Labels[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	inst.Name = inst.Labels[nameTag]
	return inst
}
