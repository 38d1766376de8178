// Package cloud wraps the three EC2 operations the fleet controller needs
// behind a provider-neutral adapter. Nothing outside this package sees EC2
// payloads; the adapter returns normalized domain.Instance records.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/matchserve/fleetd/pkg/config"
	"github.com/matchserve/fleetd/pkg/domain"
)

// fleetTagKey marks instances as belonging to this fleet. DescribeAll only
// returns instances carrying the tag, so the controller never touches
// unrelated machines in the account.
const fleetTagKey = "fleetd:fleet"

// ec2API is the subset of the EC2 client the adapter uses.
type ec2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Adapter implements domain.CloudProvider on top of EC2.
type Adapter struct {
	ec2Client ec2API
	cfg       config.CloudConfig
	log       *logrus.Entry
}

// NewAdapter creates a cloud adapter with the fixed launch template from cfg.
func NewAdapter(client ec2API, cfg config.CloudConfig, log *logrus.Entry) *Adapter {
	return &Adapter{
		ec2Client: client,
		cfg:       cfg,
		log:       log.WithField("component", "cloud-adapter"),
	}
}

// DescribeAll returns every instance tagged as part of this fleet, in any
// state.
func (a *Adapter) DescribeAll(ctx context.Context) ([]domain.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("tag:" + fleetTagKey),
				Values: []string{a.cfg.InstanceNamePrefix},
			},
		},
	}
	return a.describe(ctx, input)
}

// Describe returns the listed instances. IDs the provider no longer knows are
// absent from the result.
func (a *Adapter) Describe(ctx context.Context, instanceIDs []string) ([]domain.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		InstanceIds: instanceIDs,
	}
	return a.describe(ctx, input)
}

func (a *Adapter) describe(ctx context.Context, input *ec2.DescribeInstancesInput) ([]domain.Instance, error) {
	var out []domain.Instance

	for {
		resp, err := a.ec2Client.DescribeInstances(ctx, input)
		if err != nil {
			return nil, a.classify("describe-instances", err)
		}

		for _, reservation := range resp.Reservations {
			for _, inst := range reservation.Instances {
				out = append(out, normalizeInstance(inst))
			}
		}

		if resp.NextToken == nil {
			return out, nil
		}
		input.NextToken = resp.NextToken
	}
}

// RunOne submits a single spot-priced launch with the fixed VM template and
// returns the assigned instance ID. The instance is usually still pending at
// that point; the caller polls Describe until it is running.
func (a *Adapter) RunOne(ctx context.Context) (string, error) {
	instanceName := fmt.Sprintf("%s-%d", a.cfg.InstanceNamePrefix, time.Now().UnixNano())

	input := &ec2.RunInstancesInput{
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		ImageId:          aws.String(a.cfg.ImageID),
		InstanceType:     types.InstanceType(a.cfg.InstanceType),
		SubnetId:         aws.String(a.cfg.SubnetID),
		SecurityGroupIds: a.cfg.SecurityGroupIDs,
		InstanceMarketOptions: &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
		},
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(instanceName)},
					{Key: aws.String(fleetTagKey), Value: aws.String(a.cfg.InstanceNamePrefix)},
				},
			},
		},
	}
	if a.cfg.Zone != "" {
		input.Placement = &types.Placement{
			AvailabilityZone: aws.String(a.cfg.Zone),
		}
	}

	resp, err := a.ec2Client.RunInstances(ctx, input)
	if err != nil {
		return "", a.classify("run-instances", err)
	}
	if len(resp.Instances) == 0 || resp.Instances[0].InstanceId == nil {
		return "", &domain.CloudError{
			Kind: domain.CloudTransient,
			Op:   "run-instances",
			Err:  errors.New("response contained no instance"),
		}
	}

	instanceID := aws.ToString(resp.Instances[0].InstanceId)
	a.log.WithFields(logrus.Fields{
		"instance_id":   instanceID,
		"instance_name": instanceName,
	}).Info("Submitted instance launch")

	return instanceID, nil
}

// Terminate requests termination of the given instances. Best-effort: the
// caller logs failures, the reconciler retries by rediscovering reality.
func (a *Adapter) Terminate(ctx context.Context, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}

	_, err := a.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: instanceIDs,
	})
	if err != nil {
		return a.classify("terminate-instances", err)
	}

	a.log.WithField("instance_ids", instanceIDs).Info("Requested instance termination")
	return nil
}

func normalizeInstance(inst types.Instance) domain.Instance {
	out := domain.Instance{
		InstanceID: aws.ToString(inst.InstanceId),
	}
	if inst.State != nil {
		out.State = string(inst.State.Name)
	}
	if ip := aws.ToString(inst.PublicIpAddress); ip != "" {
		out.PublicIPs = append(out.PublicIPs, ip)
	}
	for _, nic := range inst.NetworkInterfaces {
		if nic.Association == nil {
			continue
		}
		if ip := aws.ToString(nic.Association.PublicIp); ip != "" && !contains(out.PublicIPs, ip) {
			out.PublicIPs = append(out.PublicIPs, ip)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// permanentErrorCodes are EC2 API error codes no retry can fix: bad
// credentials or a broken launch template. Everything else is treated as
// transient and left to the next reconcile tick.
var permanentErrorCodes = map[string]bool{
	"AuthFailure":                 true,
	"UnauthorizedOperation":       true,
	"OptInRequired":               true,
	"MissingParameter":            true,
	"InvalidParameterValue":       true,
	"InvalidParameterCombination": true,
	"InvalidAMIID.Malformed":      true,
	"InvalidAMIID.NotFound":       true,
	"InvalidGroup.NotFound":       true,
	"InvalidSubnetID.NotFound":    true,
}

func (a *Adapter) classify(op string, err error) *domain.CloudError {
	kind := domain.CloudTransient

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && permanentErrorCodes[apiErr.ErrorCode()] {
		kind = domain.CloudPermanent
	}

	return &domain.CloudError{Kind: kind, Op: op, Err: err}
}
