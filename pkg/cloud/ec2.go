package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/matchserve/fleetd/pkg/config"
)

// NewEC2Client builds an EC2 client from the cloud configuration. Static
// credentials take precedence; otherwise the default provider chain is used
// (instance profile, shared config, and so on).
func NewEC2Client(ctx context.Context, cloudCfg config.CloudConfig) (*ec2.Client, error) {
	var cfg aws.Config
	var err error

	if cloudCfg.AccessKeyID != "" && cloudCfg.SecretAccessKey != "" {
		cfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cloudCfg.AccessKeyID, cloudCfg.SecretAccessKey, "")),
			awsconfig.WithRegion(cloudCfg.Region))
		if err != nil {
			return nil, fmt.Errorf("configuration error when using static credentials: %w", err)
		}
	} else {
		cfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cloudCfg.Region))
		if err != nil {
			return nil, fmt.Errorf("configuration error when using default credential chain: %w", err)
		}
	}

	return ec2.NewFromConfig(cfg), nil
}
