package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"

	"github.com/hemantobora/clusterboot/internal/document"
	"github.com/hemantobora/clusterboot/internal/executor"
)

func (p *Provider) applyRegistry(ctx context.Context, cfg *document.Document) (executor.Attributes, error) {
	name, err := required(cfg, "name")
	if err != nil {
		return nil, err
	}

	mutability := ecrtypes.ImageTagMutabilityMutable
	if cfg.Bool("immutable_tags") {
		mutability = ecrtypes.ImageTagMutabilityImmutable
	}

	var repo *ecrtypes.Repository
	created, err := p.clients.ECR.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName:     aws.String(name),
		ImageTagMutability: mutability,
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{
			ScanOnPush: cfg.Bool("scan_on_push"),
		},
		EncryptionConfiguration: &ecrtypes.EncryptionConfiguration{
			EncryptionType: ecrtypes.EncryptionTypeAes256,
		},
		Tags: ecrTags(p.tags(cfg)),
	})
	switch {
	case err == nil:
		repo = created.Repository
	case isAlreadyExists(err):
		got, err := p.clients.ECR.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
			RepositoryNames: []string{name},
		})
		if err != nil {
			return nil, fail("describe-repositories", name, err)
		}
		if len(got.Repositories) == 0 {
			return nil, fail("describe-repositories", name, errRepositoryMissing)
		}
		repo = &got.Repositories[0]
	default:
		return nil, fail("create-repository", name, err)
	}

	return executor.Attributes{
		"arn":  aws.ToString(repo.RepositoryArn),
		"uri":  aws.ToString(repo.RepositoryUri),
		"name": name,
	}, nil
}

func (p *Provider) deleteRegistry(ctx context.Context, cfg *document.Document) error {
	name, err := required(cfg, "name")
	if err != nil {
		return err
	}
	if _, err := p.clients.ECR.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: aws.String(name),
		Force:          true,
	}); err != nil && !isNotFound(err) {
		return fail("delete-repository", name, err)
	}
	return nil
}
