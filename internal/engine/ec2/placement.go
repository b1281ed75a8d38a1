package ec2

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/ditto-runner/internal/engine"
)

// SecurityGroupTag is the Name tag of the security group runners join.
const SecurityGroupTag = "ssh_http"

var (
	// ErrNoDefaultSubnet means no available default-for-AZ subnet exists.
	ErrNoDefaultSubnet = fmt.Errorf("no default subnet: %w", engine.ErrPlacementNotFound)

	// ErrNoSecurityGroup means the default VPC has no security group
	// tagged Name=ssh_http.
	ErrNoSecurityGroup = fmt.Errorf("no security group tagged Name=%s: %w", SecurityGroupTag, engine.ErrPlacementNotFound)
)

// Placement is where a runner instance is launched.
type Placement struct {
	SubnetID        string
	VpcID           string
	SecurityGroupID string
}

// ResolvePlacement picks the first available default-for-AZ subnet and the
// ssh_http security group of its VPC.  Only the first result page of each
// lookup is inspected, and nothing is cached.
func (e *Engine) ResolvePlacement(ctx context.Context) (Placement, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.ResolvePlacement")
	defer span.End()

	subnets, err := e.client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []types.Filter{
			{Name: aws.String("default-for-az"), Values: []string{"true"}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		e.logProviderError("describe subnets failed", err)
		return Placement{}, fail(span, fmt.Errorf("describe subnets: %w", err))
	}
	if len(subnets.Subnets) == 0 {
		e.logger.Info("default subnet not found or not available")
		return Placement{}, fail(span, ErrNoDefaultSubnet)
	}

	subnet := subnets.Subnets[0]
	p := Placement{
		SubnetID: aws.ToString(subnet.SubnetId),
		VpcID:    aws.ToString(subnet.VpcId),
	}
	e.logger.Info("resolved subnet", slog.String("subnet_id", p.SubnetID), slog.String("vpc_id", p.VpcID))

	groups, err := e.client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{p.VpcID}},
			{Name: aws.String("tag:Name"), Values: []string{SecurityGroupTag}},
		},
	})
	if err != nil {
		e.logProviderError("describe security groups failed", err, slog.String("vpc_id", p.VpcID))
		return Placement{}, fail(span, fmt.Errorf("describe security groups: %w", err))
	}
	if len(groups.SecurityGroups) == 0 {
		e.logger.Info("security group not found",
			slog.String("tag", SecurityGroupTag),
			slog.String("vpc_id", p.VpcID),
		)
		return Placement{}, fail(span, fmt.Errorf("vpc %s: %w", p.VpcID, ErrNoSecurityGroup))
	}

	p.SecurityGroupID = aws.ToString(groups.SecurityGroups[0].GroupId)
	e.logger.Info("resolved security group", slog.String("security_group_id", p.SecurityGroupID))

	span.SetAttributes(
		attribute.String("ec2.subnet_id", p.SubnetID),
		attribute.String("ec2.vpc_id", p.VpcID),
		attribute.String("ec2.security_group_id", p.SecurityGroupID),
	)
	return p, nil
}
