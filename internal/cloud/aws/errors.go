package aws

import (
	"errors"

	"github.com/aws/smithy-go"

	"github.com/hemantobora/clusterboot/internal/models"
)

// Error codes that mean the resource is already there. Creating an existing
// resource is treated as success and the provider reads it back instead.
var alreadyExistsCodes = map[string]bool{
	"EntityAlreadyExists":              true,
	"ResourceInUseException":           true,
	"RepositoryAlreadyExistsException": true,
	"QueueAlreadyExists":               true,
	"QueueNameExists":                  true,
	"Resource.AlreadyAssociated":       true,
	"RouteAlreadyExists":               true,
}

// Error codes that mean the resource is gone. Deleting a missing resource
// is treated as success.
var notFoundCodes = map[string]bool{
	"NoSuchEntity":                            true,
	"ResourceNotFoundException":               true,
	"RepositoryNotFoundException":             true,
	"AWS.SimpleQueueService.NonExistentQueue": true,
	"QueueDoesNotExist":                       true,
	"InvalidVpcID.NotFound":                   true,
	"InvalidSubnetID.NotFound":                true,
	"InvalidInternetGatewayID.NotFound":       true,
	"InvalidRouteTableID.NotFound":            true,
	"InvalidAllocationID.NotFound":            true,
	"InvalidAssociationID.NotFound":           true,
	"NatGatewayNotFound":                      true,
	"Gateway.NotAttached":                     true,
}

var errRepositoryMissing = errors.New("repository reported as existing but not found")

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isAlreadyExists(err error) bool {
	return err != nil && alreadyExistsCodes[errorCode(err)]
}

func isNotFound(err error) bool {
	return err != nil && notFoundCodes[errorCode(err)]
}

// fail wraps err as a ProviderError
func fail(operation, resource string, err error) error {
	return &models.ProviderError{
		Provider:  "aws",
		Operation: operation,
		Resource:  resource,
		Cause:     err,
	}
}
