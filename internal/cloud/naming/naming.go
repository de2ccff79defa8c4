package naming

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

const maxBucketName = 63

var (
	stackStart   = regexp.MustCompile(`^[a-z0-9]`)
	stackChars   = regexp.MustCompile(`^[a-z0-9-]+$`)
	invalidChars = regexp.MustCompile(`[^a-z0-9-]`)
)

// DefaultNaming implements the NamingStrategy interface. Names are
// deterministic for one account and region so every run finds the same
// state bucket.
type DefaultNaming struct {
	prefix string // "clusterboot"
	suffix string
}

// NewDefaultNaming creates a naming strategy scoped to an account and region
func NewDefaultNaming(account, region string) *DefaultNaming {
	return &DefaultNaming{
		prefix: "clusterboot",
		suffix: base36Hash(account+"/"+region, 8),
	}
}

func (n *DefaultNaming) GetPrefix() string {
	return n.prefix
}

func (n *DefaultNaming) Suffix() string {
	return n.suffix
}

// StateBucketName converts a stack name to its state bucket
// Format: clusterboot-{stack}-{suffix}
func (n *DefaultNaming) StateBucketName(stack string) string {
	name := fmt.Sprintf("%s-%s-%s", n.prefix, stack, n.suffix)
	if len(name) <= maxBucketName {
		return name
	}
	// keep the suffix, trim the stack part
	room := maxBucketName - len(n.prefix) - len(n.suffix) - 2
	trimmed := strings.TrimRight(stack[:room], "-")
	return fmt.Sprintf("%s-%s-%s", n.prefix, trimmed, n.suffix)
}

// StateKey returns the object key of a stack's run state
func (n *DefaultNaming) StateKey(stack string) string {
	return fmt.Sprintf("stacks/%s/state.json", stack)
}

// ValidateStackName validates a stack name according to bucket naming constraints
func (n *DefaultNaming) ValidateStackName(stack string) error {
	if stack == "" {
		return fmt.Errorf("stack name cannot be empty")
	}

	if len(stack) > 40 {
		return fmt.Errorf("stack name too long (max 40 characters)")
	}

	if !stackStart.MatchString(stack) {
		return fmt.Errorf("stack name must start with a lowercase letter or number")
	}

	if !stackChars.MatchString(stack) {
		return fmt.Errorf("stack name can only contain lowercase letters, numbers, and hyphens")
	}

	if strings.HasSuffix(stack, "-") {
		return fmt.Errorf("stack name cannot end with a hyphen")
	}

	if strings.Contains(stack, "--") {
		return fmt.Errorf("stack name cannot contain consecutive hyphens")
	}

	return nil
}

// base36Hash derives a stable lowercase suffix from s
func base36Hash(s string, length int) string {
	const charset = "0123456789abcdefghijklmnopqrstuvwxyz"

	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	v := h.Sum64()

	result := make([]byte, length)
	for i := 0; i < length; i++ {
		result[i] = charset[v%36]
		v /= 36
	}
	return string(result)
}

// Normalize converts an arbitrary name into a bucket friendly one
func Normalize(name string) string {
	normalized := strings.ToLower(name)
	normalized = invalidChars.ReplaceAllString(normalized, "-")

	for strings.Contains(normalized, "--") {
		normalized = strings.ReplaceAll(normalized, "--", "-")
	}

	return strings.Trim(normalized, "-")
}
