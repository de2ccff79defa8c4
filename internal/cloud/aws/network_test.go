package aws

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemantobora/clusterboot/internal/graph"
	"github.com/hemantobora/clusterboot/internal/models"
)

// fakeEC2 keeps VPC resources in memory and answers filters the way EC2
// does for the fields the provider queries. Deletes that real EC2 would
// reject while dependents remain fail with DependencyViolation.
type fakeEC2 struct {
	EC2API
	zones []string
	seq   int
	// calls counts create and allocate requests by operation
	calls map[string]int

	vpcs    []*ec2types.Vpc
	igws    []*ec2types.InternetGateway
	subnets []*ec2types.Subnet
	public  map[string]bool
	tables  []*ec2types.RouteTable
	addrs   []*ec2types.Address
	nats    []*ec2types.NatGateway
	natErr  error
}

func newFakeEC2(zones ...string) *fakeEC2 {
	return &fakeEC2{zones: zones, calls: map[string]int{}, public: map[string]bool{}}
}

func (f *fakeEC2) id(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%08x", prefix, f.seq)
}

func specTags(specs []ec2types.TagSpecification) []ec2types.Tag {
	if len(specs) == 0 {
		return nil
	}
	return specs[0].Tags
}

func tagValue(tags []ec2types.Tag, key string) (string, bool) {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value), true
		}
	}
	return "", false
}

// matches reports whether a resource passes every filter; fields holds
// the resource's non-tag filter values
func matches(filters []ec2types.Filter, fields map[string]string, tags []ec2types.Tag) bool {
	for _, flt := range filters {
		var v string
		var ok bool
		if key, isTag := strings.CutPrefix(aws.ToString(flt.Name), "tag:"); isTag {
			v, ok = tagValue(tags, key)
		} else {
			v, ok = fields[aws.ToString(flt.Name)]
		}
		if !ok || !slices.Contains(flt.Values, v) {
			return false
		}
	}
	return true
}

func (f *fakeEC2) DescribeAvailabilityZones(context.Context, *ec2.DescribeAvailabilityZonesInput, ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error) {
	out := &ec2.DescribeAvailabilityZonesOutput{}
	for _, z := range f.zones {
		out.AvailabilityZones = append(out.AvailabilityZones, ec2types.AvailabilityZone{ZoneName: aws.String(z)})
	}
	return out, nil
}

func (f *fakeEC2) DescribeVpcs(_ context.Context, in *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	out := &ec2.DescribeVpcsOutput{}
	for _, v := range f.vpcs {
		if matches(in.Filters, map[string]string{"vpc-id": aws.ToString(v.VpcId)}, v.Tags) {
			out.Vpcs = append(out.Vpcs, *v)
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateVpc(_ context.Context, in *ec2.CreateVpcInput, _ ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error) {
	f.calls["CreateVpc"]++
	vpc := &ec2types.Vpc{VpcId: aws.String(f.id("vpc")), CidrBlock: in.CidrBlock, Tags: specTags(in.TagSpecifications)}
	f.vpcs = append(f.vpcs, vpc)
	f.tables = append(f.tables, &ec2types.RouteTable{
		RouteTableId: aws.String(f.id("rtb")),
		VpcId:        vpc.VpcId,
		Associations: []ec2types.RouteTableAssociation{{Main: aws.Bool(true), RouteTableAssociationId: aws.String(f.id("rtbassoc"))}},
	})
	return &ec2.CreateVpcOutput{Vpc: vpc}, nil
}

func (f *fakeEC2) ModifyVpcAttribute(context.Context, *ec2.ModifyVpcAttributeInput, ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error) {
	return &ec2.ModifyVpcAttributeOutput{}, nil
}

func (f *fakeEC2) DeleteVpc(_ context.Context, in *ec2.DeleteVpcInput, _ ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	id := aws.ToString(in.VpcId)
	i := slices.IndexFunc(f.vpcs, func(v *ec2types.Vpc) bool { return aws.ToString(v.VpcId) == id })
	if i < 0 {
		return nil, apiError("InvalidVpcID.NotFound")
	}
	for _, s := range f.subnets {
		if aws.ToString(s.VpcId) == id {
			return nil, apiError("DependencyViolation")
		}
	}
	for _, igw := range f.igws {
		if len(igw.Attachments) > 0 && aws.ToString(igw.Attachments[0].VpcId) == id {
			return nil, apiError("DependencyViolation")
		}
	}
	for _, rt := range f.tables {
		if aws.ToString(rt.VpcId) == id && !isMainRouteTable(*rt) {
			return nil, apiError("DependencyViolation")
		}
	}
	f.tables = slices.DeleteFunc(f.tables, func(rt *ec2types.RouteTable) bool { return aws.ToString(rt.VpcId) == id })
	f.vpcs = slices.Delete(f.vpcs, i, i+1)
	return &ec2.DeleteVpcOutput{}, nil
}

func (f *fakeEC2) DescribeInternetGateways(_ context.Context, in *ec2.DescribeInternetGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error) {
	out := &ec2.DescribeInternetGatewaysOutput{}
	for _, igw := range f.igws {
		fields := map[string]string{}
		if len(igw.Attachments) > 0 {
			fields["attachment.vpc-id"] = aws.ToString(igw.Attachments[0].VpcId)
		}
		if matches(in.Filters, fields, igw.Tags) {
			out.InternetGateways = append(out.InternetGateways, *igw)
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateInternetGateway(_ context.Context, in *ec2.CreateInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error) {
	f.calls["CreateInternetGateway"]++
	igw := &ec2types.InternetGateway{InternetGatewayId: aws.String(f.id("igw")), Tags: specTags(in.TagSpecifications)}
	f.igws = append(f.igws, igw)
	return &ec2.CreateInternetGatewayOutput{InternetGateway: igw}, nil
}

func (f *fakeEC2) internetGateway(id string) *ec2types.InternetGateway {
	for _, igw := range f.igws {
		if aws.ToString(igw.InternetGatewayId) == id {
			return igw
		}
	}
	return nil
}

func (f *fakeEC2) AttachInternetGateway(_ context.Context, in *ec2.AttachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error) {
	igw := f.internetGateway(aws.ToString(in.InternetGatewayId))
	if igw == nil {
		return nil, apiError("InvalidInternetGatewayID.NotFound")
	}
	igw.Attachments = []ec2types.InternetGatewayAttachment{{VpcId: in.VpcId, State: ec2types.AttachmentStatusAttached}}
	return &ec2.AttachInternetGatewayOutput{}, nil
}

func (f *fakeEC2) DetachInternetGateway(_ context.Context, in *ec2.DetachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error) {
	igw := f.internetGateway(aws.ToString(in.InternetGatewayId))
	if igw == nil || len(igw.Attachments) == 0 {
		return nil, apiError("Gateway.NotAttached")
	}
	igw.Attachments = nil
	return &ec2.DetachInternetGatewayOutput{}, nil
}

func (f *fakeEC2) DeleteInternetGateway(_ context.Context, in *ec2.DeleteInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error) {
	igw := f.internetGateway(aws.ToString(in.InternetGatewayId))
	if igw == nil {
		return nil, apiError("InvalidInternetGatewayID.NotFound")
	}
	if len(igw.Attachments) > 0 {
		return nil, apiError("DependencyViolation")
	}
	f.igws = slices.DeleteFunc(f.igws, func(g *ec2types.InternetGateway) bool { return g == igw })
	return &ec2.DeleteInternetGatewayOutput{}, nil
}

func (f *fakeEC2) DescribeSubnets(_ context.Context, in *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	out := &ec2.DescribeSubnetsOutput{}
	for _, s := range f.subnets {
		fields := map[string]string{"vpc-id": aws.ToString(s.VpcId), "cidr-block": aws.ToString(s.CidrBlock)}
		if matches(in.Filters, fields, s.Tags) {
			out.Subnets = append(out.Subnets, *s)
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateSubnet(_ context.Context, in *ec2.CreateSubnetInput, _ ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error) {
	f.calls["CreateSubnet"]++
	s := &ec2types.Subnet{
		SubnetId:         aws.String(f.id("subnet")),
		VpcId:            in.VpcId,
		CidrBlock:        in.CidrBlock,
		AvailabilityZone: in.AvailabilityZone,
		Tags:             specTags(in.TagSpecifications),
	}
	f.subnets = append(f.subnets, s)
	return &ec2.CreateSubnetOutput{Subnet: s}, nil
}

func (f *fakeEC2) ModifySubnetAttribute(_ context.Context, in *ec2.ModifySubnetAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifySubnetAttributeOutput, error) {
	if in.MapPublicIpOnLaunch != nil {
		f.public[aws.ToString(in.SubnetId)] = aws.ToBool(in.MapPublicIpOnLaunch.Value)
	}
	return &ec2.ModifySubnetAttributeOutput{}, nil
}

func (f *fakeEC2) DeleteSubnet(_ context.Context, in *ec2.DeleteSubnetInput, _ ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error) {
	id := aws.ToString(in.SubnetId)
	for _, nat := range f.nats {
		if aws.ToString(nat.SubnetId) == id && nat.State != ec2types.NatGatewayStateDeleted {
			return nil, apiError("DependencyViolation")
		}
	}
	n := len(f.subnets)
	f.subnets = slices.DeleteFunc(f.subnets, func(s *ec2types.Subnet) bool { return aws.ToString(s.SubnetId) == id })
	if len(f.subnets) == n {
		return nil, apiError("InvalidSubnetID.NotFound")
	}
	return &ec2.DeleteSubnetOutput{}, nil
}

func (f *fakeEC2) routeTable(id string) *ec2types.RouteTable {
	for _, rt := range f.tables {
		if aws.ToString(rt.RouteTableId) == id {
			return rt
		}
	}
	return nil
}

func (f *fakeEC2) DescribeRouteTables(_ context.Context, in *ec2.DescribeRouteTablesInput, _ ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	out := &ec2.DescribeRouteTablesOutput{}
	for _, rt := range f.tables {
		if matches(in.Filters, map[string]string{"vpc-id": aws.ToString(rt.VpcId)}, rt.Tags) {
			out.RouteTables = append(out.RouteTables, *rt)
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateRouteTable(_ context.Context, in *ec2.CreateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.CreateRouteTableOutput, error) {
	f.calls["CreateRouteTable"]++
	rt := &ec2types.RouteTable{RouteTableId: aws.String(f.id("rtb")), VpcId: in.VpcId, Tags: specTags(in.TagSpecifications)}
	f.tables = append(f.tables, rt)
	return &ec2.CreateRouteTableOutput{RouteTable: rt}, nil
}

func (f *fakeEC2) CreateRoute(_ context.Context, in *ec2.CreateRouteInput, _ ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error) {
	f.calls["CreateRoute"]++
	rt := f.routeTable(aws.ToString(in.RouteTableId))
	if rt == nil {
		return nil, apiError("InvalidRouteTableID.NotFound")
	}
	for _, r := range rt.Routes {
		if aws.ToString(r.DestinationCidrBlock) == aws.ToString(in.DestinationCidrBlock) {
			return nil, apiError("RouteAlreadyExists")
		}
	}
	rt.Routes = append(rt.Routes, ec2types.Route{
		DestinationCidrBlock: in.DestinationCidrBlock,
		GatewayId:            in.GatewayId,
		NatGatewayId:         in.NatGatewayId,
	})
	return &ec2.CreateRouteOutput{Return: aws.Bool(true)}, nil
}

func (f *fakeEC2) AssociateRouteTable(_ context.Context, in *ec2.AssociateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.AssociateRouteTableOutput, error) {
	f.calls["AssociateRouteTable"]++
	rt := f.routeTable(aws.ToString(in.RouteTableId))
	if rt == nil {
		return nil, apiError("InvalidRouteTableID.NotFound")
	}
	id := f.id("rtbassoc")
	rt.Associations = append(rt.Associations, ec2types.RouteTableAssociation{
		RouteTableAssociationId: aws.String(id),
		RouteTableId:            rt.RouteTableId,
		SubnetId:                in.SubnetId,
	})
	return &ec2.AssociateRouteTableOutput{AssociationId: aws.String(id)}, nil
}

func (f *fakeEC2) DisassociateRouteTable(_ context.Context, in *ec2.DisassociateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.DisassociateRouteTableOutput, error) {
	id := aws.ToString(in.AssociationId)
	for _, rt := range f.tables {
		n := len(rt.Associations)
		rt.Associations = slices.DeleteFunc(rt.Associations, func(a ec2types.RouteTableAssociation) bool {
			return aws.ToString(a.RouteTableAssociationId) == id
		})
		if len(rt.Associations) < n {
			return &ec2.DisassociateRouteTableOutput{}, nil
		}
	}
	return nil, apiError("InvalidAssociationID.NotFound")
}

func (f *fakeEC2) DeleteRouteTable(_ context.Context, in *ec2.DeleteRouteTableInput, _ ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error) {
	rt := f.routeTable(aws.ToString(in.RouteTableId))
	if rt == nil {
		return nil, apiError("InvalidRouteTableID.NotFound")
	}
	if len(rt.Associations) > 0 {
		return nil, apiError("DependencyViolation")
	}
	f.tables = slices.DeleteFunc(f.tables, func(t *ec2types.RouteTable) bool { return t == rt })
	return &ec2.DeleteRouteTableOutput{}, nil
}

func (f *fakeEC2) address(allocationID string) *ec2types.Address {
	for _, a := range f.addrs {
		if aws.ToString(a.AllocationId) == allocationID {
			return a
		}
	}
	return nil
}

func (f *fakeEC2) DescribeAddresses(_ context.Context, in *ec2.DescribeAddressesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error) {
	out := &ec2.DescribeAddressesOutput{}
	for _, a := range f.addrs {
		if matches(in.Filters, map[string]string{"allocation-id": aws.ToString(a.AllocationId)}, a.Tags) {
			out.Addresses = append(out.Addresses, *a)
		}
	}
	return out, nil
}

func (f *fakeEC2) AllocateAddress(_ context.Context, in *ec2.AllocateAddressInput, _ ...func(*ec2.Options)) (*ec2.AllocateAddressOutput, error) {
	f.calls["AllocateAddress"]++
	a := &ec2types.Address{AllocationId: aws.String(f.id("eipalloc")), Domain: in.Domain, Tags: specTags(in.TagSpecifications)}
	f.addrs = append(f.addrs, a)
	return &ec2.AllocateAddressOutput{AllocationId: a.AllocationId}, nil
}

func (f *fakeEC2) ReleaseAddress(_ context.Context, in *ec2.ReleaseAddressInput, _ ...func(*ec2.Options)) (*ec2.ReleaseAddressOutput, error) {
	a := f.address(aws.ToString(in.AllocationId))
	if a == nil {
		return nil, apiError("InvalidAllocationID.NotFound")
	}
	if a.AssociationId != nil {
		return nil, apiError("InvalidIPAddress.InUse")
	}
	f.addrs = slices.DeleteFunc(f.addrs, func(x *ec2types.Address) bool { return x == a })
	return &ec2.ReleaseAddressOutput{}, nil
}

func (f *fakeEC2) DescribeNatGateways(_ context.Context, in *ec2.DescribeNatGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeNatGatewaysOutput, error) {
	out := &ec2.DescribeNatGatewaysOutput{}
	for _, nat := range f.nats {
		if len(in.NatGatewayIds) > 0 && !slices.Contains(in.NatGatewayIds, aws.ToString(nat.NatGatewayId)) {
			continue
		}
		fields := map[string]string{
			"vpc-id":    aws.ToString(nat.VpcId),
			"subnet-id": aws.ToString(nat.SubnetId),
			"state":     string(nat.State),
		}
		if matches(in.Filter, fields, nat.Tags) {
			out.NatGateways = append(out.NatGateways, *nat)
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateNatGateway(_ context.Context, in *ec2.CreateNatGatewayInput, _ ...func(*ec2.Options)) (*ec2.CreateNatGatewayOutput, error) {
	if f.natErr != nil {
		return nil, f.natErr
	}
	f.calls["CreateNatGateway"]++
	a := f.address(aws.ToString(in.AllocationId))
	if a == nil {
		return nil, apiError("InvalidAllocationID.NotFound")
	}
	if a.AssociationId != nil {
		return nil, apiError("Resource.AlreadyAssociated")
	}
	var vpcID *string
	for _, s := range f.subnets {
		if aws.ToString(s.SubnetId) == aws.ToString(in.SubnetId) {
			vpcID = s.VpcId
		}
	}
	a.AssociationId = aws.String(f.id("eipassoc"))
	nat := &ec2types.NatGateway{
		NatGatewayId:        aws.String(f.id("nat")),
		SubnetId:            in.SubnetId,
		VpcId:               vpcID,
		State:               ec2types.NatGatewayStateAvailable,
		NatGatewayAddresses: []ec2types.NatGatewayAddress{{AllocationId: in.AllocationId}},
		Tags:                specTags(in.TagSpecifications),
	}
	f.nats = append(f.nats, nat)
	return &ec2.CreateNatGatewayOutput{NatGateway: nat}, nil
}

func (f *fakeEC2) DeleteNatGateway(_ context.Context, in *ec2.DeleteNatGatewayInput, _ ...func(*ec2.Options)) (*ec2.DeleteNatGatewayOutput, error) {
	for _, nat := range f.nats {
		if aws.ToString(nat.NatGatewayId) != aws.ToString(in.NatGatewayId) {
			continue
		}
		nat.State = ec2types.NatGatewayStateDeleted
		for _, na := range nat.NatGatewayAddresses {
			if a := f.address(aws.ToString(na.AllocationId)); a != nil {
				a.AssociationId = nil
			}
		}
		return &ec2.DeleteNatGatewayOutput{NatGatewayId: nat.NatGatewayId}, nil
	}
	return nil, apiError("NatGatewayNotFound")
}

func (f *fakeEC2) tableNamed(name string) *ec2types.RouteTable {
	for _, rt := range f.tables {
		if v, _ := tagValue(rt.Tags, "Name"); v == name {
			return rt
		}
	}
	return nil
}

func associatedSubnets(rt *ec2types.RouteTable) []string {
	var out []string
	for _, a := range rt.Associations {
		if a.SubnetId != nil {
			out = append(out, aws.ToString(a.SubnetId))
		}
	}
	return out
}

const networkBody = `
name: demo
cidr: 10.190.0.0/16
max_azs: 3
nat_gateways: 1
cluster_name: demo
`

func TestNetworkLifecycle(t *testing.T) {
	f := newFixture()
	n := node(t, "network", graph.KindNetwork, networkBody)
	ctx := context.Background()

	attrs, err := f.provider.Apply(ctx, n, mapOutputs{})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1a,us-east-1b,us-east-1c", attrs["availability_zones"])
	assert.Equal(t, "10.190.0.0/16", attrs["cidr"])

	require.Len(t, f.ec2.vpcs, 1)
	assert.Equal(t, aws.ToString(f.ec2.vpcs[0].VpcId), attrs["vpc_id"])
	v, _ := tagValue(f.ec2.vpcs[0].Tags, networkTag)
	assert.Equal(t, "demo", v)
	v, _ = tagValue(f.ec2.vpcs[0].Tags, "project")
	assert.Equal(t, "demo", v)

	require.Len(t, f.ec2.subnets, 6)
	var cidrs []string
	for _, s := range f.ec2.subnets {
		cidrs = append(cidrs, aws.ToString(s.CidrBlock))
	}
	assert.Equal(t, []string{
		"10.190.0.0/24", "10.190.3.0/24",
		"10.190.1.0/24", "10.190.4.0/24",
		"10.190.2.0/24", "10.190.5.0/24",
	}, cidrs)

	public := strings.Split(attrs["public_subnet_ids"], ",")
	private := strings.Split(attrs["private_subnet_ids"], ",")
	require.Len(t, public, 3)
	require.Len(t, private, 3)
	for _, id := range public {
		assert.True(t, f.ec2.public[id], id)
	}
	for _, id := range private {
		assert.False(t, f.ec2.public[id], id)
	}
	for _, s := range f.ec2.subnets {
		if slices.Contains(private, aws.ToString(s.SubnetId)) {
			v, _ := tagValue(s.Tags, "karpenter.sh/discovery")
			assert.Equal(t, "demo", v)
		}
	}

	require.Len(t, f.ec2.igws, 1)
	require.Len(t, f.ec2.nats, 1)
	require.Len(t, f.ec2.addrs, 1)
	assert.Equal(t, aws.ToString(f.ec2.nats[0].NatGatewayId), attrs["nat_gateway_ids"])
	assert.Equal(t, public[0], aws.ToString(f.ec2.nats[0].SubnetId))

	// main, public and one private table
	require.Len(t, f.ec2.tables, 3)
	pub := f.ec2.tableNamed("demo-public")
	require.NotNil(t, pub)
	require.Len(t, pub.Routes, 1)
	assert.Equal(t, attrs["internet_gateway_id"], aws.ToString(pub.Routes[0].GatewayId))
	assert.ElementsMatch(t, public, associatedSubnets(pub))

	priv := f.ec2.tableNamed("demo-private-0")
	require.NotNil(t, priv)
	require.Len(t, priv.Routes, 1)
	assert.Equal(t, attrs["nat_gateway_ids"], aws.ToString(priv.Routes[0].NatGatewayId))
	assert.ElementsMatch(t, private, associatedSubnets(priv))

	created := maps.Clone(f.ec2.calls)
	again, err := f.provider.Apply(ctx, n, mapOutputs{})
	require.NoError(t, err)
	assert.Equal(t, attrs, again)
	assert.Equal(t, created, f.ec2.calls, "a rerun creates nothing")
	assert.Len(t, f.ec2.vpcs, 1)
	assert.Len(t, f.ec2.subnets, 6)
	assert.Len(t, f.ec2.nats, 1)
	assert.Len(t, f.ec2.tables, 3)

	require.NoError(t, f.provider.Delete(ctx, n, mapOutputs{"network": attrs}))
	assert.Empty(t, f.ec2.vpcs)
	assert.Empty(t, f.ec2.subnets)
	assert.Empty(t, f.ec2.igws)
	assert.Empty(t, f.ec2.tables)
	assert.Empty(t, f.ec2.addrs)
	for _, nat := range f.ec2.nats {
		assert.Equal(t, ec2types.NatGatewayStateDeleted, nat.State)
	}

	require.NoError(t, f.provider.Delete(ctx, n, mapOutputs{}))
}

func TestNetworkResumesAfterFailure(t *testing.T) {
	f := newFixture()
	n := node(t, "network", graph.KindNetwork, networkBody)
	ctx := context.Background()

	f.ec2.natErr = apiError("NatGatewayLimitExceeded")
	_, err := f.provider.Apply(ctx, n, mapOutputs{})
	var perr *models.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "create-nat-gateway", perr.Operation)
	assert.Empty(t, f.ec2.nats)
	assert.Len(t, f.ec2.addrs, 1)

	f.ec2.natErr = nil
	attrs, err := f.provider.Apply(ctx, n, mapOutputs{})
	require.NoError(t, err)

	assert.Equal(t, 1, f.ec2.calls["CreateVpc"])
	assert.Equal(t, 1, f.ec2.calls["CreateInternetGateway"])
	assert.Equal(t, 6, f.ec2.calls["CreateSubnet"])
	assert.Equal(t, 2, f.ec2.calls["CreateRouteTable"])
	assert.Equal(t, 1, f.ec2.calls["AllocateAddress"], "the unassociated address is reused")
	assert.Equal(t, 1, f.ec2.calls["CreateNatGateway"])
	assert.Equal(t, 6, f.ec2.calls["AssociateRouteTable"])

	require.Len(t, f.ec2.addrs, 1)
	assert.Equal(t, aws.ToString(f.ec2.addrs[0].AllocationId), aws.ToString(f.ec2.nats[0].NatGatewayAddresses[0].AllocationId))
	assert.Equal(t, aws.ToString(f.ec2.nats[0].NatGatewayId), attrs["nat_gateway_ids"])
}

func TestNetworkGatewayPerZone(t *testing.T) {
	f := newFixture()
	n := node(t, "network", graph.KindNetwork, `
name: demo
cidr: 10.0.0.0/16
max_azs: 2
subnet_mask: 20
nat_gateways: 5
`)
	attrs, err := f.provider.Apply(context.Background(), n, mapOutputs{})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1a,us-east-1b", attrs["availability_zones"])

	// capped at one gateway per zone
	require.Len(t, f.ec2.nats, 2)
	private := strings.Split(attrs["private_subnet_ids"], ",")
	require.Len(t, private, 2)
	for j, nat := range f.ec2.nats {
		rt := f.ec2.tableNamed(fmt.Sprintf("demo-private-%d", j))
		require.NotNil(t, rt)
		assert.Equal(t, aws.ToString(nat.NatGatewayId), aws.ToString(rt.Routes[0].NatGatewayId))
		assert.Equal(t, []string{private[j]}, associatedSubnets(rt))
	}
	for _, s := range f.ec2.subnets {
		_, ok := tagValue(s.Tags, "karpenter.sh/discovery")
		assert.False(t, ok, "no discovery tag without a cluster name")
	}
	assert.Equal(t, "10.0.0.0/20", aws.ToString(f.ec2.subnets[0].CidrBlock))
	assert.Equal(t, "10.0.32.0/20", aws.ToString(f.ec2.subnets[1].CidrBlock))
}

func TestNetworkRejectsBadCIDR(t *testing.T) {
	f := newFixture()
	n := node(t, "network", graph.KindNetwork, "name: demo\ncidr: fd00::/64\n")
	_, err := f.provider.Apply(context.Background(), n, mapOutputs{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid IPv4 cidr")
	assert.Empty(t, f.ec2.vpcs)
}
