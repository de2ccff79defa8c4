package internal

// NamingStrategy defines how stack names map onto cloud resource names
type NamingStrategy interface {
	// StateBucketName returns the bucket that holds run state for a stack
	// Example: "my-eks-cluster" -> "clusterboot-my-eks-cluster-k3x9a2mq"
	StateBucketName(stack string) string

	// StateKey is the object key of a stack's run state
	StateKey(stack string) string

	// ValidateStackName validates a stack name for naming constraints
	ValidateStackName(stack string) error

	// Suffix is the deterministic suffix appended to global names
	Suffix() string

	// GetPrefix returns the naming prefix (e.g., "clusterboot")
	GetPrefix() string
}
