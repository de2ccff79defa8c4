package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/hemantobora/clusterboot/internal/cloud"
	"github.com/hemantobora/clusterboot/internal/config"
	"github.com/hemantobora/clusterboot/internal/executor"
	"github.com/hemantobora/clusterboot/internal/graph"
	"github.com/hemantobora/clusterboot/internal/logging"
	"github.com/hemantobora/clusterboot/internal/stack"
	"github.com/hemantobora/clusterboot/internal/ui"
)

// environment is what every command starts from
type environment struct {
	config  *config.Stack
	logger  *zap.Logger
	factory *cloud.Factory
}

func setup(c *cli.Context) (*environment, error) {
	logger, err := logging.NewLogger(logging.Config{
		Level:  c.String("log-level"),
		Format: logging.Format(c.String("log-format")),
	})
	if err != nil {
		return nil, err
	}

	cfg, err := loadStack(c.String("config"), c.IsSet("config"))
	if err != nil {
		return nil, err
	}

	factory := cloud.NewFactory(
		cloud.WithProfile(c.String("profile")),
		cloud.WithRegion(c.String("region")),
		cloud.WithKubeconfig(c.String("kubeconfig"), c.String("kube-context")),
		cloud.WithStateBucket(c.String("state-bucket")),
		cloud.WithLogger(logger),
	)
	return &environment{config: cfg, logger: logger, factory: factory}, nil
}

// loadStack reads the stack file. The default path may be absent, in which
// case the built-in stack is used; an explicit path must exist.
func loadStack(path string, explicit bool) (*config.Stack, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !explicit {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

// build resolves the deployment context and declares the stack
func (env *environment) build(c *cli.Context) (*stack.Stack, error) {
	dc, _, err := env.factory.DeploymentContext(c.Context, env.config)
	if err != nil {
		return nil, err
	}
	return stack.Build(dc, env.config)
}

// manager opens a full session and returns a manager for the stack
func (env *environment) manager(c *cli.Context, opts ...cloud.ManagerOption) (*cloud.Manager, *stack.Stack, error) {
	session, err := env.factory.Session(c.Context, env.config)
	if err != nil {
		return nil, nil, err
	}
	s, err := stack.Build(session.Context, env.config)
	if err != nil {
		return nil, nil, err
	}
	opts = append([]cloud.ManagerOption{cloud.WithManagerLogger(env.logger)}, opts...)
	return cloud.NewManager(s, session.Provisioner, session.Store, opts...), s, nil
}

func planCommand(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = env.logger.Sync() }()

	s, err := env.build(c)
	if err != nil {
		return err
	}
	printPlan(os.Stdout, s)
	return nil
}

func printPlan(w io.Writer, s *stack.Stack) {
	fmt.Fprintf(w, "📋 Plan for stack '%s' in %s/%s\n", s.Config.Name, s.Context.Account, s.Context.Region)
	fmt.Fprintln(w, strings.Repeat("=", 60))
	for i, id := range s.Plan.Order() {
		node, _ := s.Plan.Node(id)
		deps := s.Plan.DependenciesOf(id)
		line := fmt.Sprintf("%3d. %-30s %-16s", i+1, id, node.Kind)
		if len(deps) > 0 {
			line += " after " + joinIDs(deps)
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}

	fmt.Fprintf(w, "\n🧱 %d resources in %d levels\n", s.Plan.Len(), len(s.Plan.Levels()))
	for i, level := range s.Plan.Levels() {
		fmt.Fprintf(w, "   level %d: %s\n", i, joinIDs(level))
	}
}

func joinIDs(ids []graph.NodeID) string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	return strings.Join(names, ", ")
}

func applyCommand(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = env.logger.Sync() }()

	progress := ui.NewProgress(os.Stderr, executor.OperationApply)
	m, s, err := env.manager(c,
		cloud.WithParallelism(c.Int("parallelism")),
		cloud.WithObserver(progress.Observe))
	if err != nil {
		return err
	}

	fmt.Printf("🚀 Applying stack '%s' (%d resources) to %s/%s\n", s.Config.Name, s.Plan.Len(), s.Context.Account, s.Context.Region)
	progress.Start()
	report, err := m.Apply(c.Context)
	progress.Stop()
	if report != nil {
		ui.PrintReport(os.Stdout, report)
	}
	if err != nil {
		return runError(err)
	}

	outputs, err := m.Outputs(c.Context)
	if err != nil {
		return err
	}
	fmt.Println()
	printOutputs(os.Stdout, outputs)
	return nil
}

func destroyCommand(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = env.logger.Sync() }()

	name := env.config.Name
	if !c.Bool("yes") {
		fmt.Printf("\n⚠️  This deletes every resource of stack '%s': the cluster, its node groups, queues, rules, roles and registries.\n\n", name)

		var inputName string
		if err := survey.AskOne(&survey.Input{Message: "Enter stack name:"}, &inputName); err != nil {
			return err
		}
		if inputName != name {
			fmt.Println("\nStack name does not match. Destroy cancelled.")
			return nil
		}

		var confirmed bool
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Are you sure? Stack '%s' will be destroyed. This action cannot be undone.", name),
		}
		if err := survey.AskOne(prompt, &confirmed); err != nil {
			return err
		}
		if !confirmed {
			fmt.Println("\nDestroy cancelled")
			return nil
		}
	}

	progress := ui.NewProgress(os.Stderr, executor.OperationTeardown)
	m, _, err := env.manager(c,
		cloud.WithParallelism(c.Int("parallelism")),
		cloud.WithObserver(progress.Observe))
	if err != nil {
		return err
	}

	progress.Start()
	report, err := m.Destroy(c.Context)
	progress.Stop()
	if report != nil {
		ui.PrintReport(os.Stdout, report)
	}
	if err != nil {
		return runError(err)
	}
	return nil
}

func statusCommand(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = env.logger.Sync() }()

	m, s, err := env.manager(c)
	if err != nil {
		return err
	}
	st, err := m.Status(c.Context)
	if err != nil {
		return err
	}

	fmt.Printf("📊 Stack Status: %s\n", s.Config.Name)
	fmt.Println(strings.Repeat("=", 60))
	ui.PrintStatuses(os.Stdout, s.Plan.Order(), st.Statuses)
	fmt.Printf("\n%d of %d applied", st.Count(graph.StatusApplied), s.Plan.Len())
	if !st.UpdatedAt.IsZero() && len(st.Statuses) > 0 {
		fmt.Printf(", last updated %s", st.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Println()
	return nil
}

func outputsCommand(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = env.logger.Sync() }()

	m, _, err := env.manager(c)
	if err != nil {
		return err
	}
	outputs, err := m.Outputs(c.Context)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		values := map[string]string{}
		for _, o := range outputs {
			if o.Available {
				values[o.Name] = o.Value
			}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(values)
	}
	printOutputs(os.Stdout, outputs)
	return nil
}

func printOutputs(w io.Writer, outputs []stack.Output) {
	fmt.Fprintln(w, "📤 Outputs:")
	for _, o := range outputs {
		value := o.Value
		if !o.Available {
			value = "(not applied)"
		}
		fmt.Fprintf(w, "   %-26s %s\n", o.Name, value)
	}
}

func policyCommand(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = env.logger.Sync() }()

	s, err := env.build(c)
	if err != nil {
		return err
	}
	if len(s.Policies) == 0 {
		fmt.Println("No inline policies are composed for this stack.")
		return nil
	}
	for _, id := range s.Plan.Order() {
		doc, ok := s.Policies[id]
		if !ok {
			continue
		}
		body, err := doc.JSON()
		if err != nil {
			return err
		}
		var pretty map[string]interface{}
		if err := json.Unmarshal([]byte(body), &pretty); err != nil {
			return err
		}
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("# %s (attached to role %s)\n%s\n", id, doc.Identity, out)
	}
	return nil
}

// runError turns a halted walk into a message naming what to do next
func runError(err error) error {
	var interrupted *executor.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("%w; rerun the same command to resume", err)
	}
	var applyErr *executor.ApplyError
	if errors.As(err, &applyErr) {
		return fmt.Errorf("%s of %s (%s) failed: %w", applyErr.Operation, applyErr.NodeID, applyErr.Kind, applyErr.Cause)
	}
	return err
}

// showDetailedHelp prints usage beyond the flag reference
func showDetailedHelp(c *cli.Context) error {
	help := `
☸️  clusterboot - EKS cluster bootstrap

BASIC USAGE:
  clusterboot plan                 # Show what will be created and in which order
  clusterboot apply                # Create or resume the stack
  clusterboot status               # Show what has been created
  clusterboot outputs              # Cluster endpoint, role ARNs, registry URIs
  clusterboot destroy              # Delete everything, in reverse order
  clusterboot policy               # Print the Karpenter controller policy

WHAT A STACK CONTAINS:
  • VPC with public and private subnets and a NAT gateway
  • EKS cluster, managed spot node group, addons and access entries
  • AWS load balancer controller
  • Karpenter with its interruption queue and EventBridge rules
  • ArgoCD and the ArgoCD image updater
  • ECR repositories

STACK FILE:
  Defaults to ./clusterboot.yaml; without one the built-in stack is used.
  Chart values files are resolved relative to the stack file.

RESUMING:
  Progress is recorded after every resource. A failed or interrupted
  apply or destroy continues from where it stopped when run again.

ENVIRONMENT VARIABLES:
  AWS_PROFILE              # AWS profile to use
  CLUSTERBOOT_CONFIG       # Stack file path

EXAMPLES:
  clusterboot --config stacks/dev.yaml plan
  clusterboot --profile dev apply --parallelism 4
  clusterboot --kubeconfig ~/.kube/config --kube-context dev apply
  clusterboot --state-bucket my-team-state destroy --yes
  clusterboot outputs --json
`

	fmt.Print(help)
	return nil
}
