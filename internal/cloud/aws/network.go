package aws

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/hemantobora/clusterboot/internal/document"
	"github.com/hemantobora/clusterboot/internal/executor"
)

const anywhere = "0.0.0.0/0"

// applyNetwork builds a VPC with one public and one private subnet per
// availability zone, an internet gateway for the public subnets and NAT
// gateways for the private ones. Every step looks for an existing resource
// by its Name tag first so a rerun picks up where a failed run stopped.
func (p *Provider) applyNetwork(ctx context.Context, cfg *document.Document) (executor.Attributes, error) {
	name, err := required(cfg, "name")
	if err != nil {
		return nil, err
	}
	base, err := netip.ParsePrefix(cfg.String("cidr"))
	if err != nil || !base.Addr().Is4() {
		return nil, fmt.Errorf("network %s: invalid IPv4 cidr %q", name, cfg.String("cidr"))
	}
	maxAZs := intOr(cfg, "max_azs", 3)
	mask := intOr(cfg, "subnet_mask", 24)
	natCount := intOr(cfg, "nat_gateways", 1)
	clusterName := cfg.String("cluster_name")

	tags := p.tags(cfg)
	tags[networkTag] = name

	azs, err := p.availabilityZones(ctx, maxAZs)
	if err != nil {
		return nil, err
	}
	if natCount > len(azs) {
		natCount = len(azs)
	}

	vpcID, err := p.ensureVPC(ctx, name, base.String(), tags)
	if err != nil {
		return nil, err
	}
	igwID, err := p.ensureInternetGateway(ctx, name, vpcID, tags)
	if err != nil {
		return nil, err
	}

	var public, private []string
	for i, az := range azs {
		pubCIDR, err := subnetCIDR(base, mask, i)
		if err != nil {
			return nil, fmt.Errorf("network %s: %w", name, err)
		}
		privCIDR, err := subnetCIDR(base, mask, len(azs)+i)
		if err != nil {
			return nil, fmt.Errorf("network %s: %w", name, err)
		}

		pubTags := withTags(tags, map[string]string{"kubernetes.io/role/elb": "1"})
		privTags := withTags(tags, map[string]string{"kubernetes.io/role/internal-elb": "1"})
		if clusterName != "" {
			pubTags["kubernetes.io/cluster/"+clusterName] = "shared"
			privTags["kubernetes.io/cluster/"+clusterName] = "shared"
			privTags["karpenter.sh/discovery"] = clusterName
		}

		pubID, err := p.ensureSubnet(ctx, vpcID, az, pubCIDR.String(), fmt.Sprintf("%s-public-%s", name, az), pubTags, true)
		if err != nil {
			return nil, err
		}
		privID, err := p.ensureSubnet(ctx, vpcID, az, privCIDR.String(), fmt.Sprintf("%s-private-%s", name, az), privTags, false)
		if err != nil {
			return nil, err
		}
		public = append(public, pubID)
		private = append(private, privID)
	}

	publicRT, err := p.ensureRouteTable(ctx, vpcID, name+"-public", tags)
	if err != nil {
		return nil, err
	}
	if err := p.ensureDefaultRoute(ctx, publicRT, &ec2.CreateRouteInput{GatewayId: aws.String(igwID)}); err != nil {
		return nil, err
	}
	for _, subnetID := range public {
		if err := p.ensureAssociation(ctx, publicRT, subnetID); err != nil {
			return nil, err
		}
	}

	var natIDs []string
	for j := 0; j < natCount; j++ {
		natID, err := p.ensureNatGateway(ctx, fmt.Sprintf("%s-nat-%d", name, j), public[j], tags)
		if err != nil {
			return nil, err
		}
		natIDs = append(natIDs, natID)
	}
	if len(natIDs) > 0 {
		waiter := ec2.NewNatGatewayAvailableWaiter(p.clients.EC2, func(o *ec2.NatGatewayAvailableWaiterOptions) {
			o.MinDelay = p.pollInterval
			o.MaxDelay = 4 * p.pollInterval
		})
		if err := waiter.Wait(ctx, &ec2.DescribeNatGatewaysInput{NatGatewayIds: natIDs}, p.waitTimeout); err != nil {
			return nil, fail("wait-nat-gateway", name, err)
		}
	}

	for j, natID := range natIDs {
		rt, err := p.ensureRouteTable(ctx, vpcID, fmt.Sprintf("%s-private-%d", name, j), tags)
		if err != nil {
			return nil, err
		}
		if err := p.ensureDefaultRoute(ctx, rt, &ec2.CreateRouteInput{NatGatewayId: aws.String(natID)}); err != nil {
			return nil, err
		}
		for i, subnetID := range private {
			if i%len(natIDs) != j {
				continue
			}
			if err := p.ensureAssociation(ctx, rt, subnetID); err != nil {
				return nil, err
			}
		}
	}

	p.logger.Info("network ready", zap.String("vpc", vpcID), zap.Strings("azs", azs))
	return executor.Attributes{
		"vpc_id":              vpcID,
		"cidr":                base.String(),
		"internet_gateway_id": igwID,
		"public_subnet_ids":   joinList(public),
		"private_subnet_ids":  joinList(private),
		"nat_gateway_ids":     joinList(natIDs),
		"availability_zones":  joinList(azs),
	}, nil
}

func (p *Provider) availabilityZones(ctx context.Context, max int) ([]string, error) {
	out, err := p.clients.EC2.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []ec2types.Filter{
			ec2Filter("state", "available"),
			ec2Filter("zone-type", "availability-zone"),
		},
	})
	if err != nil {
		return nil, fail("describe-availability-zones", p.dc.Region, err)
	}
	var names []string
	for _, az := range out.AvailabilityZones {
		names = append(names, aws.ToString(az.ZoneName))
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no availability zones available in %s", p.dc.Region)
	}
	if len(names) > max {
		names = names[:max]
	}
	return names, nil
}

func (p *Provider) findVPC(ctx context.Context, name string) (string, error) {
	out, err := p.clients.EC2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []ec2types.Filter{ec2Filter("tag:"+networkTag, name)},
	})
	if err != nil {
		return "", fail("describe-vpcs", name, err)
	}
	if len(out.Vpcs) == 0 {
		return "", nil
	}
	return aws.ToString(out.Vpcs[0].VpcId), nil
}

func (p *Provider) ensureVPC(ctx context.Context, name, cidr string, tags map[string]string) (string, error) {
	vpcID, err := p.findVPC(ctx, name)
	if err != nil || vpcID != "" {
		return vpcID, err
	}

	out, err := p.clients.EC2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         aws.String(cidr),
		TagSpecifications: ec2TagSpec(ec2types.ResourceTypeVpc, tags, name),
	})
	if err != nil {
		return "", fail("create-vpc", name, err)
	}
	vpcID = aws.ToString(out.Vpc.VpcId)

	// EKS needs DNS resolution and hostnames inside the VPC
	for _, in := range []*ec2.ModifyVpcAttributeInput{
		{VpcId: aws.String(vpcID), EnableDnsSupport: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)}},
		{VpcId: aws.String(vpcID), EnableDnsHostnames: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)}},
	} {
		if _, err := p.clients.EC2.ModifyVpcAttribute(ctx, in); err != nil {
			return "", fail("modify-vpc-attribute", vpcID, err)
		}
	}
	p.logger.Info("created vpc", zap.String("name", name), zap.String("id", vpcID))
	return vpcID, nil
}

func (p *Provider) ensureInternetGateway(ctx context.Context, name, vpcID string, tags map[string]string) (string, error) {
	out, err := p.clients.EC2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: []ec2types.Filter{ec2Filter("attachment.vpc-id", vpcID)},
	})
	if err != nil {
		return "", fail("describe-internet-gateways", vpcID, err)
	}
	if len(out.InternetGateways) > 0 {
		return aws.ToString(out.InternetGateways[0].InternetGatewayId), nil
	}

	created, err := p.clients.EC2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
		TagSpecifications: ec2TagSpec(ec2types.ResourceTypeInternetGateway, tags, name+"-igw"),
	})
	if err != nil {
		return "", fail("create-internet-gateway", name, err)
	}
	igwID := aws.ToString(created.InternetGateway.InternetGatewayId)
	if _, err := p.clients.EC2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: aws.String(igwID),
		VpcId:             aws.String(vpcID),
	}); err != nil {
		return "", fail("attach-internet-gateway", igwID, err)
	}
	return igwID, nil
}

func (p *Provider) ensureSubnet(ctx context.Context, vpcID, az, cidr, name string, tags map[string]string, public bool) (string, error) {
	out, err := p.clients.EC2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{
			ec2Filter("vpc-id", vpcID),
			ec2Filter("cidr-block", cidr),
		},
	})
	if err != nil {
		return "", fail("describe-subnets", name, err)
	}
	if len(out.Subnets) > 0 {
		return aws.ToString(out.Subnets[0].SubnetId), nil
	}

	created, err := p.clients.EC2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:             aws.String(vpcID),
		CidrBlock:         aws.String(cidr),
		AvailabilityZone:  aws.String(az),
		TagSpecifications: ec2TagSpec(ec2types.ResourceTypeSubnet, tags, name),
	})
	if err != nil {
		return "", fail("create-subnet", name, err)
	}
	subnetID := aws.ToString(created.Subnet.SubnetId)

	if public {
		if _, err := p.clients.EC2.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
			SubnetId:            aws.String(subnetID),
			MapPublicIpOnLaunch: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
		}); err != nil {
			return "", fail("modify-subnet-attribute", subnetID, err)
		}
	}
	return subnetID, nil
}

func (p *Provider) ensureRouteTable(ctx context.Context, vpcID, name string, tags map[string]string) (ec2types.RouteTable, error) {
	out, err := p.clients.EC2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: []ec2types.Filter{
			ec2Filter("vpc-id", vpcID),
			ec2Filter("tag:Name", name),
		},
	})
	if err != nil {
		return ec2types.RouteTable{}, fail("describe-route-tables", name, err)
	}
	if len(out.RouteTables) > 0 {
		return out.RouteTables[0], nil
	}

	created, err := p.clients.EC2.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             aws.String(vpcID),
		TagSpecifications: ec2TagSpec(ec2types.ResourceTypeRouteTable, tags, name),
	})
	if err != nil {
		return ec2types.RouteTable{}, fail("create-route-table", name, err)
	}
	return *created.RouteTable, nil
}

// ensureDefaultRoute adds a 0.0.0.0/0 route with the target set in route
func (p *Provider) ensureDefaultRoute(ctx context.Context, rt ec2types.RouteTable, route *ec2.CreateRouteInput) error {
	for _, r := range rt.Routes {
		if aws.ToString(r.DestinationCidrBlock) == anywhere {
			return nil
		}
	}
	route.RouteTableId = rt.RouteTableId
	route.DestinationCidrBlock = aws.String(anywhere)
	if _, err := p.clients.EC2.CreateRoute(ctx, route); err != nil && !isAlreadyExists(err) {
		return fail("create-route", aws.ToString(rt.RouteTableId), err)
	}
	return nil
}

func (p *Provider) ensureAssociation(ctx context.Context, rt ec2types.RouteTable, subnetID string) error {
	for _, a := range rt.Associations {
		if aws.ToString(a.SubnetId) == subnetID {
			return nil
		}
	}
	_, err := p.clients.EC2.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: rt.RouteTableId,
		SubnetId:     aws.String(subnetID),
	})
	if err != nil && !isAlreadyExists(err) {
		return fail("associate-route-table", subnetID, err)
	}
	return nil
}

func (p *Provider) ensureNatGateway(ctx context.Context, name, subnetID string, tags map[string]string) (string, error) {
	out, err := p.clients.EC2.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{
		Filter: []ec2types.Filter{
			ec2Filter("tag:Name", name),
			ec2Filter("state", "pending", "available"),
		},
	})
	if err != nil {
		return "", fail("describe-nat-gateways", name, err)
	}
	if len(out.NatGateways) > 0 {
		return aws.ToString(out.NatGateways[0].NatGatewayId), nil
	}

	allocationID, err := p.ensureElasticIP(ctx, name, tags)
	if err != nil {
		return "", err
	}
	created, err := p.clients.EC2.CreateNatGateway(ctx, &ec2.CreateNatGatewayInput{
		SubnetId:          aws.String(subnetID),
		AllocationId:      aws.String(allocationID),
		TagSpecifications: ec2TagSpec(ec2types.ResourceTypeNatgateway, tags, name),
	})
	if err != nil {
		return "", fail("create-nat-gateway", name, err)
	}
	return aws.ToString(created.NatGateway.NatGatewayId), nil
}

func (p *Provider) ensureElasticIP(ctx context.Context, name string, tags map[string]string) (string, error) {
	out, err := p.clients.EC2.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{
		Filters: []ec2types.Filter{ec2Filter("tag:Name", name)},
	})
	if err != nil {
		return "", fail("describe-addresses", name, err)
	}
	for _, addr := range out.Addresses {
		if addr.AssociationId == nil {
			return aws.ToString(addr.AllocationId), nil
		}
	}

	created, err := p.clients.EC2.AllocateAddress(ctx, &ec2.AllocateAddressInput{
		Domain:            ec2types.DomainTypeVpc,
		TagSpecifications: ec2TagSpec(ec2types.ResourceTypeElasticIp, tags, name),
	})
	if err != nil {
		return "", fail("allocate-address", name, err)
	}
	return aws.ToString(created.AllocationId), nil
}

// deleteNetwork removes everything applyNetwork creates, in reverse
func (p *Provider) deleteNetwork(ctx context.Context, cfg *document.Document, own executor.Attributes) error {
	name, err := required(cfg, "name")
	if err != nil {
		return err
	}
	vpcID := own["vpc_id"]
	if vpcID == "" {
		if vpcID, err = p.findVPC(ctx, name); err != nil {
			return err
		}
	}
	if vpcID == "" {
		return nil
	}

	if err := p.deleteNatGateways(ctx, vpcID); err != nil {
		return err
	}

	addrs, err := p.clients.EC2.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{
		Filters: []ec2types.Filter{ec2Filter("tag:"+networkTag, name)},
	})
	if err != nil {
		return fail("describe-addresses", name, err)
	}
	for _, addr := range addrs.Addresses {
		if _, err := p.clients.EC2.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: addr.AllocationId}); err != nil && !isNotFound(err) {
			return fail("release-address", aws.ToString(addr.AllocationId), err)
		}
	}

	igws, err := p.clients.EC2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: []ec2types.Filter{ec2Filter("attachment.vpc-id", vpcID)},
	})
	if err != nil {
		return fail("describe-internet-gateways", vpcID, err)
	}
	for _, igw := range igws.InternetGateways {
		if _, err := p.clients.EC2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			InternetGatewayId: igw.InternetGatewayId,
			VpcId:             aws.String(vpcID),
		}); err != nil && !isNotFound(err) {
			return fail("detach-internet-gateway", aws.ToString(igw.InternetGatewayId), err)
		}
		if _, err := p.clients.EC2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{
			InternetGatewayId: igw.InternetGatewayId,
		}); err != nil && !isNotFound(err) {
			return fail("delete-internet-gateway", aws.ToString(igw.InternetGatewayId), err)
		}
	}

	tables, err := p.clients.EC2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: []ec2types.Filter{ec2Filter("vpc-id", vpcID)},
	})
	if err != nil {
		return fail("describe-route-tables", vpcID, err)
	}
	for _, rt := range tables.RouteTables {
		if isMainRouteTable(rt) {
			continue
		}
		for _, a := range rt.Associations {
			if _, err := p.clients.EC2.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{
				AssociationId: a.RouteTableAssociationId,
			}); err != nil && !isNotFound(err) {
				return fail("disassociate-route-table", aws.ToString(a.RouteTableAssociationId), err)
			}
		}
		if _, err := p.clients.EC2.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: rt.RouteTableId}); err != nil && !isNotFound(err) {
			return fail("delete-route-table", aws.ToString(rt.RouteTableId), err)
		}
	}

	subnets, err := p.clients.EC2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{ec2Filter("vpc-id", vpcID)},
	})
	if err != nil {
		return fail("describe-subnets", vpcID, err)
	}
	for _, s := range subnets.Subnets {
		if _, err := p.clients.EC2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: s.SubnetId}); err != nil && !isNotFound(err) {
			return fail("delete-subnet", aws.ToString(s.SubnetId), err)
		}
	}

	if _, err := p.clients.EC2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(vpcID)}); err != nil && !isNotFound(err) {
		return fail("delete-vpc", vpcID, err)
	}
	p.logger.Info("deleted vpc", zap.String("name", name), zap.String("id", vpcID))
	return nil
}

func (p *Provider) deleteNatGateways(ctx context.Context, vpcID string) error {
	out, err := p.clients.EC2.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{
		Filter: []ec2types.Filter{
			ec2Filter("vpc-id", vpcID),
			ec2Filter("state", "pending", "available", "deleting"),
		},
	})
	if err != nil {
		return fail("describe-nat-gateways", vpcID, err)
	}
	var ids []string
	for _, nat := range out.NatGateways {
		id := aws.ToString(nat.NatGatewayId)
		ids = append(ids, id)
		if nat.State == ec2types.NatGatewayStateDeleting {
			continue
		}
		if _, err := p.clients.EC2.DeleteNatGateway(ctx, &ec2.DeleteNatGatewayInput{NatGatewayId: aws.String(id)}); err != nil && !isNotFound(err) {
			return fail("delete-nat-gateway", id, err)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	// elastic IPs stay associated until the gateways are fully gone
	err = wait.PollUntilContextTimeout(ctx, p.pollInterval, p.waitTimeout, true, func(ctx context.Context) (bool, error) {
		out, err := p.clients.EC2.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{NatGatewayIds: ids})
		if err != nil {
			if isNotFound(err) {
				return true, nil
			}
			return false, err
		}
		for _, nat := range out.NatGateways {
			if nat.State != ec2types.NatGatewayStateDeleted {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return fail("wait-nat-gateway-deleted", vpcID, err)
	}
	return nil
}

func isMainRouteTable(rt ec2types.RouteTable) bool {
	for _, a := range rt.Associations {
		if aws.ToBool(a.Main) {
			return true
		}
	}
	return false
}

// subnetCIDR returns the index-th block of the given mask length inside base
func subnetCIDR(base netip.Prefix, mask, index int) (netip.Prefix, error) {
	if mask < base.Bits() || mask > 28 {
		return netip.Prefix{}, fmt.Errorf("subnet mask /%d does not fit in %s", mask, base)
	}
	if index >= 1<<(mask-base.Bits()) {
		return netip.Prefix{}, fmt.Errorf("%s has no room for %d /%d subnets", base, index+1, mask)
	}
	start := base.Masked().Addr().As4()
	v := binary.BigEndian.Uint32(start[:]) + uint32(index)<<(32-mask)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.PrefixFrom(netip.AddrFrom4(b), mask), nil
}

func withTags(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
