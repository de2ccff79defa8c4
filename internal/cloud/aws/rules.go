package aws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"

	"github.com/hemantobora/clusterboot/internal/document"
	"github.com/hemantobora/clusterboot/internal/executor"
)

// eventPattern renders the pattern block of a rule node as EventBridge JSON
func eventPattern(cfg *document.Document) (string, error) {
	pattern := map[string][]string{}
	for _, key := range []string{"source", "detail-type"} {
		if values := cfg.Strings("pattern." + key); len(values) > 0 {
			pattern[key] = values
		}
	}
	if len(pattern) == 0 {
		return "", fmt.Errorf("rule has an empty event pattern")
	}
	b, err := json.Marshal(pattern)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (p *Provider) applyEventRule(ctx context.Context, cfg *document.Document, outputs executor.OutputReader) (executor.Attributes, error) {
	name, err := required(cfg, "name")
	if err != nil {
		return nil, err
	}
	target, err := required(cfg, "target")
	if err != nil {
		return nil, err
	}
	targetARN, ok := outputs.Lookup(target + ".arn")
	if !ok {
		return nil, fmt.Errorf("rule %s: target %s has no recorded arn", name, target)
	}
	pattern, err := eventPattern(cfg)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", name, err)
	}

	input := &eventbridge.PutRuleInput{
		Name:         aws.String(name),
		EventPattern: aws.String(pattern),
		State:        ebtypes.RuleStateEnabled,
		Tags:         eventBridgeTags(p.tags(cfg)),
	}
	if d := cfg.String("description"); d != "" {
		input.Description = aws.String(d)
	}
	rule, err := p.clients.EventBridge.PutRule(ctx, input)
	if err != nil {
		return nil, fail("put-rule", name, err)
	}

	out, err := p.clients.EventBridge.PutTargets(ctx, &eventbridge.PutTargetsInput{
		Rule: aws.String(name),
		Targets: []ebtypes.Target{{
			Id:  aws.String(target),
			Arn: aws.String(targetARN),
		}},
	})
	if err != nil {
		return nil, fail("put-targets", name, err)
	}
	if len(out.FailedEntries) > 0 {
		entry := out.FailedEntries[0]
		return nil, fail("put-targets", name, fmt.Errorf("%s: %s", aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage)))
	}

	return executor.Attributes{
		"arn":    aws.ToString(rule.RuleArn),
		"name":   name,
		"target": targetARN,
	}, nil
}

func (p *Provider) deleteEventRule(ctx context.Context, cfg *document.Document) error {
	name, err := required(cfg, "name")
	if err != nil {
		return err
	}

	targets, err := p.clients.EventBridge.ListTargetsByRule(ctx, &eventbridge.ListTargetsByRuleInput{Rule: aws.String(name)})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fail("list-targets", name, err)
	}
	if len(targets.Targets) > 0 {
		ids := make([]string, 0, len(targets.Targets))
		for _, t := range targets.Targets {
			ids = append(ids, aws.ToString(t.Id))
		}
		if _, err := p.clients.EventBridge.RemoveTargets(ctx, &eventbridge.RemoveTargetsInput{
			Rule: aws.String(name),
			Ids:  ids,
		}); err != nil && !isNotFound(err) {
			return fail("remove-targets", name, err)
		}
	}

	if _, err := p.clients.EventBridge.DeleteRule(ctx, &eventbridge.DeleteRuleInput{Name: aws.String(name)}); err != nil && !isNotFound(err) {
		return fail("delete-rule", name, err)
	}
	return nil
}
