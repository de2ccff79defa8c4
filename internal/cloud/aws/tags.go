package aws

import (
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// networkTag marks every EC2 resource created for a network node so
// teardown can find them without recorded ids.
const networkTag = "clusterboot:network"

func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func ec2Tags(tags map[string]string, name string) []ec2types.Tag {
	out := make([]ec2types.Tag, 0, len(tags)+1)
	for _, k := range sortedKeys(tags) {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	if name != "" {
		out = append(out, ec2types.Tag{Key: aws.String("Name"), Value: aws.String(name)})
	}
	return out
}

func ec2TagSpec(resource ec2types.ResourceType, tags map[string]string, name string) []ec2types.TagSpecification {
	return []ec2types.TagSpecification{{
		ResourceType: resource,
		Tags:         ec2Tags(tags, name),
	}}
}

func ec2Filter(name string, values ...string) ec2types.Filter {
	return ec2types.Filter{Name: aws.String(name), Values: values}
}

func iamTags(tags map[string]string) []iamtypes.Tag {
	out := make([]iamtypes.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, iamtypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func eventBridgeTags(tags map[string]string) []ebtypes.Tag {
	out := make([]ebtypes.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, ebtypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func ecrTags(tags map[string]string) []ecrtypes.Tag {
	out := make([]ecrtypes.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, ecrtypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}
